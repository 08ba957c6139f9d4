// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package cacheserver implements the substituter side of fetching
// (C7 in the design): a read-only HTTP binary cache, serving
// nix-cache-info, per-object ".narinfo" metadata, and NAR bytes for
// any valid path in an underlying [store.Store] — the server a peer's
// [fetch] package fetches substitutes *from*.
//
// Grounded directly on input-output-hk-spongix's router.go: the same
// regex-routed endpoint shape (nix-cache-info / *.narinfo / nar/*),
// the same request-logging middleware pattern (its log_record.go), and
// the same library pair (gorilla/mux for routing, gorilla/handlers for
// the panic-recovery middleware, go.uber.org/zap for structured
// per-request logs).
package cacheserver

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// narInfoPattern matches a base32 hash-part-keyed ".narinfo" request,
// mirroring spongix's matchNarinfo.
var narInfoPattern = regexp.MustCompile(`^[0-9a-df-np-sv-z]{32}\.narinfo$`)

// Server serves a [store.Store]'s contents as a Nix-compatible binary
// cache.
type Server struct {
	Store    store.Store
	Dir      storepath.Directory
	Log      *zap.Logger
	Priority uint64
}

// Router builds the http.Handler for s, routed and logged the way
// spongix's own proxy is (one middleware stack, three endpoint
// shapes).
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(
		withRequestLogging(s.Log),
		handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)),
	)
	r.HandleFunc("/nix-cache-info", s.nixCacheInfo).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{hashPart}.narinfo", s.narInfo).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/nar/{hashPart}.nar", s.nar).Methods(http.MethodGet, http.MethodHead)
	return r
}

func (s *Server) nixCacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", s.Dir, s.Priority)
}

func (s *Server) narInfo(w http.ResponseWriter, r *http.Request) {
	hashPart := strings.TrimSuffix(mux.Vars(r)["hashPart"]+".narinfo", ".narinfo")
	if !narInfoPattern.MatchString(hashPart + ".narinfo") {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	path, ok, err := s.Store.QueryPathFromHashPart(ctx, []byte(hashPart))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	info, err := s.Store.QueryPathInfo(ctx, path)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeNarInfo(w, s.Dir, info)
}

func (s *Server) nar(w http.ResponseWriter, r *http.Request) {
	hashPart := mux.Vars(r)["hashPart"]
	ctx := r.Context()
	path, ok, err := s.Store.QueryPathFromHashPart(ctx, []byte(hashPart))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-nix-nar")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.Store.NARFromPath(ctx, path, w); err != nil {
		s.Log.Error("nar: stream failed", zap.String("path", string(path)), zap.Error(err))
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.Log.Error("request failed", zap.String("url", r.URL.String()), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// writeNarInfo renders info in Nix's line-oriented ".narinfo" text
// format (the format spec.md leaves external-interface-only and does
// not otherwise define).
func writeNarInfo(w http.ResponseWriter, dir storepath.Directory, info *store.ValidPathInfo) {
	fmt.Fprintf(w, "StorePath: %s\n", info.Path)
	fmt.Fprintf(w, "URL: nar/%s.nar\n", info.Path.Digest())
	fmt.Fprintf(w, "Compression: none\n")
	fmt.Fprintf(w, "NarHash: %s:%x\n", info.NARHashAlgorithm, info.NARHash)
	fmt.Fprintf(w, "NarSize: %d\n", info.NARSize)
	if info.References.Others.Len() > 0 || info.References.Self {
		names := make([]string, 0, info.References.Others.Len()+1)
		for i := 0; i < info.References.Others.Len(); i++ {
			names = append(names, info.References.Others.At(i).Base())
		}
		if info.References.Self {
			names = append(names, info.Path.Base())
		}
		fmt.Fprintf(w, "References: %s\n", strings.Join(names, " "))
	}
	if info.Deriver != "" {
		fmt.Fprintf(w, "Deriver: %s\n", info.Deriver.Base())
	}
	if info.HasCA() {
		fmt.Fprintf(w, "CA: %s:%s\n", info.CA.Method, info.CA.Hash.SRI())
	}
	for _, sig := range info.Sigs {
		fmt.Fprintf(w, "Sig: %s\n", sig)
	}
}

// withRequestLogging logs one structured line per request, grounded on
// spongix's log_record.go.
func withRequestLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			h.ServeHTTP(rec, r)
			level := log.Info
			if rec.status >= 500 {
				level = log.Error
			}
			level("request",
				zap.Int("status", rec.status),
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Serve is a small convenience wrapper matching spongix's main.go
// server-startup shape: construct an *http.Server over s.Router() and
// run it until ctx is cancelled.
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
