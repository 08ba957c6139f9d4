// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"

	"loom.build/pkg/storepath"
)

// CacheEntry is what [Cache] stores per locator: the result of a past
// fetch, so a repeated [Registry.Fetch] for the same locator (spec.md
// §4.7's "cached by input locator") can skip the network entirely.
type CacheEntry struct {
	Path   storepath.Path
	Locked Locator
	// NAR, if non-empty, is a locally retained copy of the fetched
	// archive. [Cache.Store] keeps it zstd-compressed and [Cache.Lookup]
	// returns it decompressed; nothing in this package writes it back
	// into the store.
	NAR []byte
}

// Cache is a locator-keyed, content-addressed substituter cache backed
// by an embedded key-value store, giving [Registry] O(1) persistent
// lookup without needing the full SQL store schema (spec.md §4.7 only
// requires that results be cached, not how).
//
// Grounded on github.com/dgraph-io/badger/v3, the embedded KV store
// declared in aldoborrero-go-nix's go.mod for its daemon package's own
// local cache; NAR bytes are compressed with
// github.com/klauspost/compress/zstd, the codec
// input-output-hk-spongix uses for its own cache entries (its cache.go
// package comment), before being written to badger.
type Cache struct {
	db      *badger.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenCache opens (creating if necessary) a badger database at dir to
// back a [Cache].
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("fetch: open cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fetch: open cache: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		enc.Close()
		return nil, fmt.Errorf("fetch: open cache: %w", err)
	}
	return &Cache{db: db, encoder: enc, decoder: dec}, nil
}

// Close releases the cache's underlying badger database.
func (c *Cache) Close() error {
	c.decoder.Close()
	c.encoder.Close()
	return c.db.Close()
}

// cacheRecord is the on-disk envelope: the compressed NAR is kept
// separate from the rest so entries with no retained NAR stay tiny.
type cacheRecord struct {
	Path         storepath.Path
	Locked       Locator
	CompressedNAR []byte
}

// Lookup returns the cached entry for key, if any.
func (c *Cache) Lookup(ctx context.Context, key string) (CacheEntry, bool, error) {
	var rec cacheRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return CacheEntry{}, false, err
	}
	if rec.Path == "" {
		return CacheEntry{}, false, nil
	}
	entry := CacheEntry{Path: rec.Path, Locked: rec.Locked}
	if len(rec.CompressedNAR) > 0 {
		nar, err := c.decoder.DecodeAll(rec.CompressedNAR, nil)
		if err != nil {
			return CacheEntry{}, false, fmt.Errorf("fetch: decompress cached entry %s: %w", key, err)
		}
		entry.NAR = nar
	}
	return entry, true, nil
}

// Store records entry under key, compressing entry.NAR if present.
func (c *Cache) Store(ctx context.Context, key string, entry CacheEntry) error {
	rec := cacheRecord{Path: entry.Path, Locked: entry.Locked}
	if len(entry.NAR) > 0 {
		rec.CompressedNAR = c.encoder.EncodeAll(entry.NAR, nil)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
