// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/nix"

	"loom.build/pkg/nar"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// TarballFetcher implements [Fetcher] for "tarball" and "file"
// locators: it downloads (or reads, for file:// URLs) an archive or
// single file, normalises it (stripping a single top-level directory
// from tarballs, per spec.md §4.7), and writes the result through
// Store as a CA-Fixed/NixArchive source object.
//
// Grounded on the teacher's nar.DumpPath for archive serialisation and
// on store.Store.AddToStore as the write path; the HTTP/tar handling
// itself has no teacher counterpart (the teacher fetches over its own
// worker protocol) and is built directly against net/http and
// archive/tar, the standard library's own tarball-handling idiom.
type TarballFetcher struct {
	Store store.Store
	// Client is used for http(s) URLs. A nil Client uses
	// http.DefaultClient.
	Client *http.Client
}

func (f *TarballFetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch implements [Fetcher].
func (f *TarballFetcher) Fetch(ctx context.Context, dir storepath.Directory, loc Locator) (storepath.Path, Locator, error) {
	body, err := f.open(ctx, loc.URL)
	if err != nil {
		return "", Locator{}, err
	}
	defer body.Close()

	tmp, err := os.MkdirTemp("", "loom-fetch-*")
	if err != nil {
		return "", Locator{}, err
	}
	defer os.RemoveAll(tmp)

	strip := loc.StripComponents
	switch loc.Type {
	case "file":
		if err := f.extractFile(tmp, body, loc.Executable); err != nil {
			return "", Locator{}, err
		}
	default:
		if strip == 0 {
			strip = 1
		}
		r, err := maybeGunzip(body, loc.URL)
		if err != nil {
			return "", Locator{}, err
		}
		if err := extractTar(tmp, r, strip); err != nil {
			return "", Locator{}, err
		}
	}

	narBytes, h, err := hashTree(tmp)
	if err != nil {
		return "", Locator{}, err
	}
	if loc.Hash != "" {
		want, err := nix.ParseHash(loc.Hash)
		if err != nil {
			return "", Locator{}, fmt.Errorf("parse locked hash %q: %w", loc.Hash, err)
		}
		if want.Base16() != h.Base16() {
			return "", Locator{}, fmt.Errorf("fetched content does not match locked hash %s (got %s)", loc.Hash, h.SRI())
		}
	}

	label := labelFromURL(loc.URL)
	path, err := storepath.MakeStorePath(dir, storepath.SourceKind, h, label, storepath.References{})
	if err != nil {
		return "", Locator{}, err
	}
	info := store.ValidPathInfo{
		Path:             path,
		NARHashAlgorithm: "sha256",
		NARSize:          int64(len(narBytes)),
		CA:               store.NixArchiveContentAddress(h),
		RegistrationTime: time.Now(),
	}
	copy(info.NARHash[:], h.Bytes(nil))
	if _, err := f.Store.AddToStore(ctx, info, bytes.NewReader(narBytes)); err != nil {
		return "", Locator{}, err
	}

	locked := loc
	locked.Hash = h.SRI()
	return path, locked, nil
}

func (f *TarballFetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file", "":
		return os.Open(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.httpClient().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: HTTP %s", rawURL, resp.Status)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("fetch %s: unsupported scheme %q", rawURL, u.Scheme)
	}
}

func (f *TarballFetcher) extractFile(dir string, r io.Reader, executable bool) error {
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	dst, err := os.OpenFile(filepath.Join(dir, singleFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, r)
	return err
}

// singleFileName is the entry name a "file" locator's content is
// stored under, matching Nix's own convention for fetchurl without
// a name attribute.
const singleFileName = "source"

// maybeGunzip buffers r fully so it can sniff the gzip magic number and,
// on a miss, still hand a complete, unconsumed tar stream to the caller
// (a gzip.NewReader failure partially consumes its input).
func maybeGunzip(r io.Reader, hintURL string) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return bytes.NewReader(data), nil
	}
	return gz, nil
}

// extractTar writes every regular file and symlink in r to dir,
// dropping the first strip leading path components from each entry
// name and skipping entries that strip to nothing (spec.md §4.7's
// "tarballs strip a single top-level directory").
func extractTar(dir string, r io.Reader, strip int) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			mode := os.FileMode(0o444)
			if hdr.FileInfo().Mode()&0o111 != 0 {
				mode = 0o555
			}
			out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return err
			}
		}
	}
}

func stripComponents(name string, n int) string {
	name = strings.TrimPrefix(name, "./")
	parts := strings.Split(name, "/")
	if n >= len(parts) {
		return ""
	}
	return strings.Join(parts[n:], "/")
}

func hashTree(root string) ([]byte, nix.Hash, error) {
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, root); err != nil {
		return nil, nix.Hash{}, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(buf.Bytes())
	return buf.Bytes(), h.SumHash(), nil
}

func labelFromURL(rawURL string) string {
	name := filepath.Base(rawURL)
	for _, ext := range []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tar.zst", ".tgz", ".tar", ".zip", ".gz"} {
		if strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	if name == "" || name == "." || name == "/" {
		return "source"
	}
	return name
}
