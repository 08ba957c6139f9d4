// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"zombiezen.com/go/log"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
	"loom.build/pkg/wire"
)

// Server drives one [LocalStore] over the worker protocol (C10),
// the same accept-loop-plus-per-connection-goroutine shape as the
// teacher's own cmd/zb/serve.go runServe, generalized from its single
// hard-coded exists/realize dispatch to the opcode switch spec.md
// §4.10 names.
type Server struct {
	Store *LocalStore

	// Trust classifies a connection, typically by peer credentials
	// (e.g. a Unix socket's SO_PEERCRED uid) or by which listener
	// accepted it (a world-writable public socket vs. a root-owned
	// one); Serve calls it once per accepted connection.
	Trust func(net.Conn) wire.Trust

	nextPID atomic.Int64
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails, handling each on its own goroutine, mirroring runServe's own
// accept loop and WaitGroup-drained shutdown.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			pid := srv.nextPID.Add(1)
			connCtx := withClientPID(ctx, pid)
			if err := srv.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
				log.Warnf(ctx, "daemon: connection %d: %v", pid, err)
			}
			if err := srv.Store.DB.ClearTempRoots(context.Background(), pid); err != nil {
				log.Warnf(ctx, "daemon: connection %d: clear temp roots: %v", pid, err)
			}
		}()
	}
}

func (srv *Server) handleConn(ctx context.Context, nc net.Conn) error {
	trust := wire.NotTrusted
	if srv.Trust != nil {
		trust = srv.Trust(nc)
	}
	c := wire.NewConn(nc, nc, trust)
	if err := c.Handshake(wire.FeatureStructuredAttrs); err != nil {
		return err
	}

	for {
		op, err := c.ReadOpcode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := srv.dispatch(ctx, c, op); err != nil {
			return fmt.Errorf("%v: %w", op, err)
		}
	}
}

// dispatch runs one opcode's handler, always ending the log stream
// with [wire.Conn.EndLog] (spec.md §4.10: "the client must drain log
// messages until STDERR_LAST before reading the operation's reply") —
// on failure, after writing the error as a log line, so the client's
// drain loop surfaces it before the (absent, in that case) reply.
func (srv *Server) dispatch(ctx context.Context, c *wire.Conn, op wire.Opcode) error {
	if err := c.CheckTrust(op); err != nil {
		c.LogError(err.Error())
		return c.EndLog()
	}

	var handlerErr error
	switch op {
	case wire.OpIsValidPath:
		handlerErr = srv.handleIsValidPath(ctx, c)
	case wire.OpQueryPathInfo:
		handlerErr = srv.handleQueryPathInfo(ctx, c)
	case wire.OpQueryReferrers:
		handlerErr = srv.handleQueryReferrers(ctx, c)
	case wire.OpQueryValidPaths:
		handlerErr = srv.handleQueryValidPaths(ctx, c)
	case wire.OpAddToStore:
		handlerErr = srv.handleAddToStore(ctx, c)
	case wire.OpAddToStoreNar:
		handlerErr = srv.handleAddToStoreNar(ctx, c)
	case wire.OpAddTextToStore:
		handlerErr = srv.handleAddTextToStore(ctx, c)
	case wire.OpBuildPaths:
		handlerErr = srv.handleBuildPaths(ctx, c)
	case wire.OpBuildDerivation:
		handlerErr = srv.handleBuildDerivation(ctx, c)
	case wire.OpNarFromPath:
		handlerErr = srv.handleNarFromPath(ctx, c)
	case wire.OpRegisterDrvOutput:
		handlerErr = srv.handleRegisterDrvOutput(ctx, c)
	case wire.OpQueryRealisation:
		handlerErr = srv.handleQueryRealisation(ctx, c)
	case wire.OpAddTempRoot:
		handlerErr = srv.handleAddTempRoot(ctx, c)
	case wire.OpAddPermRoot:
		handlerErr = srv.handleAddPermRoot(ctx, c)
	case wire.OpCollectGarbage:
		handlerErr = srv.handleCollectGarbage(ctx, c)
	default:
		handlerErr = fmt.Errorf("opcode %v not implemented", op)
	}

	if handlerErr != nil {
		c.LogError(handlerErr.Error())
	}
	return c.EndLog()
}

func (srv *Server) handleIsValidPath(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	valid, err := srv.Store.IsValidPath(ctx, store.Path(path))
	if err != nil {
		return err
	}
	return c.Writer().Bool(valid)
}

func (srv *Server) handleQueryPathInfo(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	info, err := srv.Store.QueryPathInfo(ctx, store.Path(path))
	if errors.Is(err, store.ErrNotValid) {
		return c.Writer().Bool(false)
	}
	if err != nil {
		return err
	}
	if err := c.Writer().Bool(true); err != nil {
		return err
	}
	return writeValidPathInfo(c.Writer(), info)
}

func (srv *Server) handleQueryReferrers(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	referrers, err := srv.Store.QueryReferrers(ctx, store.Path(path))
	if err != nil {
		return err
	}
	return c.Writer().StringList(pathStrings(referrers))
}

func (srv *Server) handleQueryValidPaths(ctx context.Context, c *wire.Conn) error {
	candidates, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	var valid []string
	for _, p := range candidates {
		ok, err := srv.Store.IsValidPath(ctx, store.Path(p))
		if err != nil {
			return err
		}
		if ok {
			valid = append(valid, p)
		}
	}
	return c.Writer().StringList(valid)
}

// handleAddToStore implements the fresh-import form of AddToStore:
// the client supplies the method used to content-address dump rather
// than an already-computed store path, mirroring
// [LocalStore.AddToStoreFromDump]'s own argument shape.
func (srv *Server) handleAddToStore(ctx context.Context, c *wire.Conn) error {
	name, err := c.Reader().String()
	if err != nil {
		return err
	}
	methodName, err := c.Reader().String()
	if err != nil {
		return err
	}
	hashAlgo, err := c.Reader().String()
	if err != nil {
		return err
	}
	refNames, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	method, err := parseCAMethod(methodName)
	if err != nil {
		return err
	}
	refs, err := parseReferences(refNames)
	if err != nil {
		return err
	}

	dump := wire.ReadFrames(c.Reader())
	path, err := srv.Store.AddToStoreFromDump(ctx, dump, name, method, hashAlgo, refs)
	if err != nil {
		return err
	}
	return c.Writer().String(string(path))
}

// handleAddToStoreNar implements the already-addressed import form:
// the client supplies a complete [store.ValidPathInfo] (as produced by
// another store, e.g. a substituter copying between daemons) plus the
// matching NAR bytes, to be registered as-is.
func (srv *Server) handleAddToStoreNar(ctx context.Context, c *wire.Conn) error {
	info, err := readValidPathInfo(c.Reader())
	if err != nil {
		return err
	}
	nar := wire.ReadFrames(c.Reader())
	path, err := srv.Store.AddToStore(ctx, *info, nar)
	if err != nil {
		return err
	}
	return c.Writer().String(string(path))
}

func (srv *Server) handleAddTextToStore(ctx context.Context, c *wire.Conn) error {
	name, err := c.Reader().String()
	if err != nil {
		return err
	}
	data, err := c.Reader().Bytes()
	if err != nil {
		return err
	}
	refNames, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	refs, err := parseReferences(refNames)
	if err != nil {
		return err
	}
	path, err := srv.Store.AddTextToStore(ctx, name, data, refs)
	if err != nil {
		return err
	}
	return c.Writer().String(string(path))
}

func (srv *Server) handleBuildPaths(ctx context.Context, c *wire.Conn) error {
	encoded, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	mode, err := c.Reader().Uint64()
	if err != nil {
		return err
	}
	paths := make([]store.DerivedPath, 0, len(encoded))
	for _, e := range encoded {
		p, err := decodeDerivedPath(e)
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}
	if err := srv.Store.BuildPaths(ctx, paths, store.BuildMode(mode)); err != nil {
		return err
	}
	return c.Writer().Bool(true)
}

func (srv *Server) handleBuildDerivation(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	drvBytes, err := c.Reader().Bytes()
	if err != nil {
		return err
	}
	mode, err := c.Reader().Uint64()
	if err != nil {
		return err
	}
	result, err := srv.Store.BuildDerivation(ctx, store.Path(path), drvBytes, store.BuildMode(mode))
	if err != nil {
		return err
	}
	if err := c.Writer().String(result.Status.String()); err != nil {
		return err
	}
	outputs := make([]string, 0, len(result.Outputs))
	for name, p := range result.Outputs {
		outputs = append(outputs, name+"="+string(p))
	}
	return c.Writer().StringList(outputs)
}

func (srv *Server) handleNarFromPath(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	// Buffered rather than streamed frame-by-frame: WriteFrames wants a
	// Reader, and NARFromPath only knows how to write, so this trades a
	// full in-memory copy of the NAR for not having to duplicate
	// nar.DumpPath as a streaming frame source. Acceptable for the sizes
	// this daemon serves locally; see sandbox's own NARFromPath-copy
	// tradeoff note.
	var buf bytes.Buffer
	if err := srv.Store.NARFromPath(ctx, store.Path(path), &buf); err != nil {
		return err
	}
	return wire.WriteFrames(c.Writer(), bytes.NewReader(buf.Bytes()))
}

func (srv *Server) handleRegisterDrvOutput(ctx context.Context, c *wire.Conn) error {
	drvHash, err := c.Reader().String()
	if err != nil {
		return err
	}
	outputName, err := c.Reader().String()
	if err != nil {
		return err
	}
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	dependentPairs, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	sigs, err := c.Reader().StringList()
	if err != nil {
		return err
	}
	dependents := make(map[string]store.Path, len(dependentPairs))
	for _, pair := range dependentPairs {
		key, p, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("malformed dependent realisation %q", pair)
		}
		dependents[key] = store.Path(p)
	}
	r := store.Realisation{
		DerivationHash:        drvHash,
		OutputName:            outputName,
		Path:                  store.Path(path),
		DependentRealisations: dependents,
		Signatures:            sigs,
	}
	return srv.Store.RegisterDrvOutput(ctx, r)
}

func (srv *Server) handleQueryRealisation(ctx context.Context, c *wire.Conn) error {
	drvHash, err := c.Reader().String()
	if err != nil {
		return err
	}
	outputName, err := c.Reader().String()
	if err != nil {
		return err
	}
	r, ok, err := srv.Store.QueryRealisation(ctx, drvHash, outputName)
	if err != nil {
		return err
	}
	if err := c.Writer().Bool(ok); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.Writer().String(string(r.Path)); err != nil {
		return err
	}
	return c.Writer().StringList(r.Signatures)
}

func (srv *Server) handleAddTempRoot(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	return srv.Store.AddTempRoot(ctx, store.Path(path))
}

// handleAddPermRoot registers a permanent indirect root: the client
// has already created its own symlink at indirectPath pointing at
// path (spec.md §6's "user-created symlinks anywhere in the
// filesystem"); this just adds the back-reference under GCRootsDir
// that lets the collector find it.
func (srv *Server) handleAddPermRoot(ctx context.Context, c *wire.Conn) error {
	path, err := c.Reader().String()
	if err != nil {
		return err
	}
	indirectPath, err := c.Reader().String()
	if err != nil {
		return err
	}
	if srv.Store.GCRootsDir == "" {
		return fmt.Errorf("daemon: permanent roots are disabled (GCRootsDir unset)")
	}
	if err := os.MkdirAll(srv.Store.GCRootsDir, 0o755); err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(indirectPath))
	name := hex.EncodeToString(sum[:8])
	backref := filepath.Join(srv.Store.GCRootsDir, name)
	os.Remove(backref)
	if err := os.Symlink(indirectPath, backref); err != nil {
		return err
	}
	return c.Writer().String(path)
}

func (srv *Server) handleCollectGarbage(ctx context.Context, c *wire.Conn) error {
	maxFreed, err := c.Reader().Uint64()
	if err != nil {
		return err
	}
	results, err := srv.Store.CollectGarbage(ctx, store.GCOptions{MaxFreed: int64(maxFreed)})
	if err != nil {
		return err
	}
	deletedStrings := make([]string, len(results.Deleted))
	for i, p := range results.Deleted {
		deletedStrings[i] = string(p)
	}
	if err := c.Writer().StringList(deletedStrings); err != nil {
		return err
	}
	return c.Writer().Uint64(uint64(results.BytesFreed))
}

func pathStrings(paths sortedset.Set[store.Path]) []string {
	out := make([]string, paths.Len())
	for i := range out {
		out[i] = string(paths.At(i))
	}
	return out
}

func parseReferences(names []string) (store.References, error) {
	var refs store.References
	for _, n := range names {
		p, err := storepath.ParsePath(n)
		if err != nil {
			return store.References{}, fmt.Errorf("reference %q: %w", n, err)
		}
		refs.Others.Add(p)
	}
	return refs, nil
}

// decodeDerivedPath parses the wire form of a [store.DerivedPath]:
// either "opaque:<path>" for a plain substitution request, or
// "build:<drvpath>!<name1>,<name2>,..." (or "build:<drvpath>!*" for
// every output) for a realise request — the same "!"-joined output
// selector the teacher's own zbstore.DerivedPath.String uses for
// CLI-facing path arguments, reused here for the wire form since
// spec.md leaves BuildPaths's argument encoding unspecified.
func decodeDerivedPath(s string) (store.DerivedPath, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return store.DerivedPath{}, fmt.Errorf("malformed derived path %q", s)
	}
	switch kind {
	case "opaque":
		return store.DerivedPath{Opaque: store.Path(rest)}, nil
	case "build":
		drvPath, outputs, ok := strings.Cut(rest, "!")
		if !ok {
			return store.DerivedPath{}, fmt.Errorf("malformed derived path %q", s)
		}
		if outputs == "*" {
			return store.DerivedPath{Drv: store.Path(drvPath)}, nil
		}
		return store.DerivedPath{Drv: store.Path(drvPath), Outputs: strings.Split(outputs, ",")}, nil
	default:
		return store.DerivedPath{}, fmt.Errorf("malformed derived path %q", s)
	}
}
