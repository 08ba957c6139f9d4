// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package storedb implements the store database (C4 in the design): the
// persistent index of registered store objects, their references, the
// derivation outputs they satisfy, their realisations, and the
// temporary GC roots held by live client processes (spec.md §4.4).
//
// It does not itself build or substitute anything; package sched and
// package daemon compose a [DB] with a filesystem tree, the scheduler,
// and the sandboxed builder to implement the full store.Store
// interface. DB's own job is to make registration atomic and queries
// fast.
//
// Grounded on internal/backend/backend.go and internal/backend/backend_store.go
// from the teacher repository, which drive zombiezen.com/go/sqlite
// through an embedded, migrated schema exactly as this package does;
// the schema and query set are rewritten for this project's six
// tables (ValidPaths, Refs, DerivationOutputs, Realisations,
// RealisationRefs, TempRoots).
package storedb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// errObjectExists is returned (wrapped) when a caller tries to register
// a path that is already valid.
var errObjectExists = errors.New("storedb: store object already registered")

// ErrObjectExists reports whether err indicates the path being
// registered was already valid.
func ErrObjectExists(err error) bool {
	return errors.Is(err, errObjectExists)
}

// DB is a handle to one store database.
type DB struct {
	dir  storepath.Directory
	pool *sqlitemigration.Pool

	locks mutexMap[storepath.Path]
}

// Options configures [Open].
type Options struct {
	// OnStartMigrate, OnReady, and OnError mirror
	// [sqlitemigration.Options] and default to logging via
	// zombiezen.com/go/log when nil.
	OnStartMigrate func()
	OnReady        func()
	OnError        func(error)
}

// Open returns a handle to the store database at dbPath, creating and
// migrating it if necessary. Callers must call [DB.Close] when done.
func Open(dir storepath.Directory, dbPath string, opts *Options) *DB {
	if opts == nil {
		opts = new(Options)
	}
	onStartMigrate := opts.OnStartMigrate
	if onStartMigrate == nil {
		onStartMigrate = func() { log.Debugf(context.Background(), "storedb: migrating %s", dbPath) }
	}
	onReady := opts.OnReady
	if onReady == nil {
		onReady = func() { log.Debugf(context.Background(), "storedb: %s ready", dbPath) }
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(err error) { log.Errorf(context.Background(), "storedb: migration of %s: %v", dbPath, err) }
	}
	return &DB{
		dir: dir,
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:          sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn:    prepareConn,
			OnStartMigrate: onStartMigrate,
			OnReady:        onReady,
			OnError:        onError,
		}),
	}
}

// Close releases the database's resources.
func (db *DB) Close() error {
	return db.pool.Close()
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil)
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

// IsValidPath reports whether path is registered valid.
func (db *DB) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	defer db.pool.Put(conn)

	var exists bool
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("storedb: is valid path %s: %w", path, err)
	}
	return exists, nil
}

// QueryPathInfo returns the registered metadata for path, or
// [store.ErrNotValid] if it is not registered.
func (db *DB) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var info *store.ValidPathInfo
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info, err = scanValidPathInfo(path, stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query path info %s: %w", path, err)
	}
	if info == nil {
		return nil, fmt.Errorf("storedb: query path info %s: %w", path, store.ErrNotValid)
	}
	refs, err := db.QueryReferences(ctx, path)
	if err != nil {
		return nil, err
	}
	info.References = refs
	return info, nil
}

func scanValidPathInfo(path store.Path, stmt *sqlite.Stmt) (*store.ValidPathInfo, error) {
	narHashText := stmt.GetText("narHash")
	narHash, err := nix.ParseHash(narHashText)
	if err != nil {
		return nil, fmt.Errorf("parse narHash %q: %w", narHashText, err)
	}
	info := &store.ValidPathInfo{
		Path:             path,
		NARHashAlgorithm: stmt.GetText("narHashAlgorithm"),
		NARSize:          stmt.GetInt64("narSize"),
		RegistrationTime: time.Unix(stmt.GetInt64("registrationTime"), 0).UTC(),
		Ultimate:         stmt.GetInt64("ultimate") != 0,
	}
	copy(info.NARHash[:], narHash.Bytes(nil))
	if deriver := stmt.GetText("deriver"); deriver != "" {
		info.Deriver = store.Path(deriver)
	}
	if sigs := stmt.GetText("sigs"); sigs != "" {
		info.Sigs = splitSigs(sigs)
	}
	if caMethod := stmt.GetInt64("caMethod"); caMethod != 0 {
		caHashText := stmt.GetText("caHash")
		caHash, err := nix.ParseHash(caHashText)
		if err != nil {
			return nil, fmt.Errorf("parse caHash %q: %w", caHashText, err)
		}
		info.CA = store.ContentAddress{Method: store.CAMethod(caMethod), Hash: caHash}
	}
	if stmt.GetInt64("selfReference") != 0 {
		info.References.Self = true
	}
	return info, nil
}

func splitSigs(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinSigs(sigs []string) string {
	out := ""
	for i, s := range sigs {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// QueryReferences returns the set of paths directly referenced by path.
func (db *DB) QueryReferences(ctx context.Context, path store.Path) (store.References, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return store.References{}, err
	}
	defer db.pool.Put(conn)

	var refs store.References
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			if p == path {
				refs.Self = true
				return nil
			}
			refs.Others.Add(p)
			return nil
		},
	})
	if err != nil {
		return store.References{}, fmt.Errorf("storedb: query references %s: %w", path, err)
	}
	return refs, nil
}

// QueryReferrers returns the set of registered paths that directly
// reference path.
func (db *DB) QueryReferrers(ctx context.Context, path store.Path) (sortedset.Set[store.Path], error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return sortedset.Set[store.Path]{}, err
	}
	defer db.pool.Put(conn)

	var out sortedset.Set[store.Path]
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_referrers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			out.Add(p)
			return nil
		},
	})
	if err != nil {
		return sortedset.Set[store.Path]{}, fmt.Errorf("storedb: query referrers %s: %w", path, err)
	}
	return out, nil
}

// QueryPathFromHashPart finds the registered path whose digest matches
// hashPart, the lookup behind the HTTP binary-cache server's
// "<digest>.narinfo" requests (spec.md §6).
func (db *DB) QueryPathFromHashPart(ctx context.Context, hashPart string) (store.Path, bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return "", false, err
	}
	defer db.pool.Put(conn)

	prefix := string(db.dir) + "/" + hashPart + "-"
	var found store.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_from_hash_part.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":prefix": prefix},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = store.Path(stmt.GetText("path"))
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("storedb: query path from hash part %s: %w", hashPart, err)
	}
	return found, found != "", nil
}

// RegisterValidPath atomically registers info: it acquires the
// exclusive per-path lock, invokes finalize (expected to perform the
// physical rename of the built or fetched object into place), and then
// inserts info, its references, and releases the lock — the sequence
// spec.md §4.4 requires so a concurrent reader never observes a store
// path that exists on disk but isn't yet registered, or vice versa.
//
// finalize may be nil if the object is already in place (e.g. when
// re-registering metadata for verification).
func (db *DB) RegisterValidPath(ctx context.Context, info store.ValidPathInfo, finalize func() error) error {
	unlock, err := db.locks.lock(ctx, info.Path)
	if err != nil {
		return fmt.Errorf("storedb: register %s: %w", info.Path, err)
	}
	defer unlock()

	if finalize != nil {
		if err := finalize(); err != nil {
			return fmt.Errorf("storedb: register %s: %w", info.Path, err)
		}
	}

	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	return insertObject(ctx, conn, info)
}

func objectExists(conn *sqlite.Conn, path store.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %w", path, err)
	}
	return exists, nil
}

func insertObject(ctx context.Context, conn *sqlite.Conn, info store.ValidPathInfo) (err error) {
	defer sqlitex.Save(conn)(&err)

	if exists, err := objectExists(conn, info.Path); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("insert %s: %w", info.Path, errObjectExists)
	}

	if err := upsertPath(conn, info.Path); err != nil {
		return fmt.Errorf("insert %s: %w", info.Path, err)
	}
	if info.Deriver != "" {
		if err := upsertPath(conn, info.Deriver); err != nil {
			return fmt.Errorf("insert %s: %w", info.Path, err)
		}
	}

	caMethod, caHash := int64(0), ""
	if !info.CA.IsZero() {
		caMethod = int64(info.CA.Method)
		caHash = info.CA.Hash.SRI()
	}
	narHash := nix.NewHash(nix.SHA256, info.NARHash[:])
	self := int64(0)
	if info.References.Self {
		self = 1
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":               string(info.Path),
			":nar_hash":           narHash.SRI(),
			":nar_hash_algorithm": info.NARHashAlgorithm,
			":nar_size":           info.NARSize,
			":deriver":            string(info.Deriver),
			":ca_method":          caMethod,
			":ca_hash":            caHash,
			":self_reference":     self,
			":registration_time":  info.RegistrationTime.Unix(),
			":ultimate":           boolToInt(info.Ultimate),
		},
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", info.Path, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("insert %s: %w", info.Path, err)
	}
	defer addRefStmt.Finalize()

	addRefStmt.SetText(":referrer", string(info.Path))
	for ref := range info.References.Others.All() {
		if err := upsertPath(conn, ref); err != nil {
			return fmt.Errorf("insert %s: reference %s: %w", info.Path, ref, err)
		}
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert %s: add reference %s: %w", info.Path, ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("insert %s: add reference %s: %w", info.Path, ref, err)
		}
	}
	if info.References.Self {
		addRefStmt.SetText(":reference", string(info.Path))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert %s: add self-reference: %w", info.Path, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("insert %s: add self-reference: %w", info.Path, err)
		}
	}

	log.Debugf(ctx, "storedb: registered %s", info.Path)
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func upsertPath(conn *sqlite.Conn, path store.Path) error {
	if path == "" {
		return nil
	}
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %w", path, err)
	}
	return nil
}

// RegisterDerivationOutput records that building drv's output outputName
// most recently produced outputPath.
func (db *DB) RegisterDerivationOutput(ctx context.Context, drv store.Path, outputName string, outputPath store.Path) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "register_output.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv":    string(drv),
			":name":   outputName,
			":output": string(outputPath),
		},
	})
	if err != nil {
		return fmt.Errorf("storedb: register output %s!%s: %w", drv, outputName, err)
	}
	return nil
}

// QueryDerivationOutput returns the most recently registered output
// path for drv's named output, if any.
func (db *DB) QueryDerivationOutput(ctx context.Context, drv store.Path, outputName string) (store.Path, bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return "", false, err
	}
	defer db.pool.Put(conn)

	var found store.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_derivation_output.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":drv": string(drv), ":name": outputName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = store.Path(stmt.GetText("path"))
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("storedb: query derivation output %s!%s: %w", drv, outputName, err)
	}
	return found, found != "", nil
}

// RegisterDrvOutput registers a [store.Realisation] for a floating or
// impure content-addressed output (spec.md §3, §4.4).
func (db *DB) RegisterDrvOutput(ctx context.Context, r store.Realisation) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "register_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv_hash":    r.DerivationHash,
			":output_name": r.OutputName,
			":output":      string(r.Path),
			":sigs":        joinSigs(r.Signatures),
		},
	})
	if err != nil {
		return fmt.Errorf("storedb: register realisation %s: %w", r.Key(), err)
	}
	return nil
}

// QueryRealisation looks up the realisation for (drvHash, outputName).
func (db *DB) QueryRealisation(ctx context.Context, drvHash, outputName string) (*store.Realisation, bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	defer db.pool.Put(conn)

	var result *store.Realisation
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":drv_hash": drvHash, ":output_name": outputName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = &store.Realisation{
				DerivationHash: drvHash,
				OutputName:     outputName,
				Path:           store.Path(stmt.GetText("path")),
				Signatures:     splitSigs(stmt.GetText("sigs")),
			}
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("storedb: query realisation %s!%s: %w", drvHash, outputName, err)
	}
	return result, result != nil, nil
}

// AddTempRoot registers path as a GC root held by the client process
// pid, preventing concurrent garbage collection from deleting it while
// a build or substitution in progress still needs it (spec.md §5).
func (db *DB) AddTempRoot(ctx context.Context, pid int64, path store.Path) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "add_temp_root.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":pid": pid, ":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("storedb: add temp root %s: %w", path, err)
	}
	return nil
}

// ClearTempRoots releases all temp roots held by pid, called when that
// client's connection to the daemon closes.
func (db *DB) ClearTempRoots(ctx context.Context, pid int64) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "clear_temp_roots.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":pid": pid},
	})
	if err != nil {
		return fmt.Errorf("storedb: clear temp roots for pid %d: %w", pid, err)
	}
	return nil
}

// LiveTempRoots returns the current set of temp-root paths across all
// client processes, consulted by [store.Store.CollectGarbage].
func (db *DB) LiveTempRoots(ctx context.Context) (sortedset.Set[store.Path], error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return sortedset.Set[store.Path]{}, err
	}
	defer db.pool.Put(conn)

	var out sortedset.Set[store.Path]
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_temp_roots.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out.Add(store.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return sortedset.Set[store.Path]{}, fmt.Errorf("storedb: live temp roots: %w", err)
	}
	return out, nil
}

// ListValidPaths returns every registered path and its NAR size, the
// universe [store.Store.CollectGarbage] scans to find what isn't
// reachable from a root.
func (db *DB) ListValidPaths(ctx context.Context) (map[store.Path]int64, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	out := make(map[store.Path]int64)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_valid_paths.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out[store.Path(stmt.GetText("path"))] = stmt.GetInt64("narSize")
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: list valid paths: %w", err)
	}
	return out, nil
}

// DeletePath removes path's registration. It fails if another
// registered path still references it; the caller (package daemon's
// garbage collector) is responsible for deleting in an order that
// never does that.
func (db *DB) DeletePath(ctx context.Context, path store.Path) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "delete_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("storedb: delete path %s: %w", path, err)
	}
	return nil
}
