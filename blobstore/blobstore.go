// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package blobstore persists tyne snapshots: the JSON sheet/notebook
// document and the kernel state blobs, keyed by path. The local store
// backs development and tests; the cloud store talks to an object
// storage HTTP gateway.
package blobstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/retry.v1"
)

var logger = loggo.GetLogger("neptyne.blobstore")

// Store reads and writes snapshot blobs.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}

// LocalStore keeps blobs on the filesystem under a root directory.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// NewLocalStore returns a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotate(err, "creating blob root")
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) blobPath(path string) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.NotValidf("blob path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.blobPath(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("blob %q", path)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// Put implements Store. The write goes through a rename so a crashed
// process never leaves a torn blob.
func (s *LocalStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.blobPath(path)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Trace(err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, full))
}

// Exists implements Store.
func (s *LocalStore) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.blobPath(path)
	if err != nil {
		return false, errors.Trace(err)
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// TokenSource supplies bearer tokens for the storage gateway. Tokens
// expire; Refresh discards the cached one after an auth failure.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh()
}

// CloudStoreConfig holds the dependencies of a CloudStore.
type CloudStoreConfig struct {
	// BaseURL is the gateway endpoint, including the bucket.
	BaseURL string

	Tokens TokenSource

	// Client defaults to a client with a sane timeout.
	Client *http.Client
}

// Validate returns an error for a misconfigured store.
func (config CloudStoreConfig) Validate() error {
	if config.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if config.Tokens == nil {
		return errors.NotValidf("nil Tokens")
	}
	return nil
}

// CloudStore reads and writes blobs through an object storage HTTP
// gateway. Writes are gzip compressed; reads transparently decompress.
// An auth failure refreshes the token and retries once, which covers
// expiry mid-session.
type CloudStore struct {
	config CloudStoreConfig

	mu      sync.Mutex
	session *http.Client
}

// NewCloudStore returns a cloud-backed store.
func NewCloudStore(config CloudStoreConfig) (*CloudStore, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &CloudStore{config: config}, nil
}

// client builds the HTTP session lazily: the first blob operation may
// happen long after construction, and credentials load lazily too.
func (s *CloudStore) client() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		if s.config.Client != nil {
			s.session = s.config.Client
		} else {
			s.session = &http.Client{Timeout: 30 * time.Second}
		}
	}
	return s.session
}

// Min is the attempt budget here; with no Total the strategy stops
// after Min tries, so two attempts cover the refresh-and-retry cycle.
var retryStrategy = retry.LimitCount(2, retry.Regular{Delay: 100 * time.Millisecond, Min: 2})

// Get implements Store.
func (s *CloudStore) Get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := s.do(ctx, func(token string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(path), nil)
		if err != nil {
			return 0, errors.Trace(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := s.client().Do(req)
		if err != nil {
			return 0, errors.Trace(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, nil
		}
		reader := io.Reader(resp.Body)
		if resp.Header.Get("Content-Encoding") == "gzip" ||
			strings.HasSuffix(path, ".gz") {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				return 0, errors.Trace(err)
			}
			defer gz.Close()
			reader = gz
		}
		body, err = io.ReadAll(reader)
		return http.StatusOK, errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotatef(err, "getting blob %q", path)
	}
	return body, nil
}

// Put implements Store.
func (s *CloudStore) Put(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return errors.Trace(err)
	}
	if err := gz.Close(); err != nil {
		return errors.Trace(err)
	}
	compressed := buf.Bytes()

	err := s.do(ctx, func(token string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url(path), bytes.NewReader(compressed))
		if err != nil {
			return 0, errors.Trace(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := s.client().Do(req)
		if err != nil {
			return 0, errors.Trace(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	})
	return errors.Annotatef(err, "putting blob %q", path)
}

// Exists implements Store.
func (s *CloudStore) Exists(ctx context.Context, path string) (bool, error) {
	exists := false
	err := s.do(ctx, func(token string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url(path), nil)
		if err != nil {
			return 0, errors.Trace(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := s.client().Do(req)
		if err != nil {
			return 0, errors.Trace(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			exists = false
			return http.StatusOK, nil
		}
		exists = resp.StatusCode == http.StatusOK
		return resp.StatusCode, nil
	})
	if err != nil {
		return false, errors.Annotatef(err, "checking blob %q", path)
	}
	return exists, nil
}

// do runs one gateway call, refreshing the token and retrying when the
// gateway rejects it. Gateways answer an expired token with 401, and
// some with 404 to avoid leaking object existence.
func (s *CloudStore) do(ctx context.Context, call func(token string) (int, error)) error {
	var lastStatus int
	for a := retry.StartWithCancel(retryStrategy, nil, ctx.Done()); a.Next(); {
		token, err := s.config.Tokens.Token(ctx)
		if err != nil {
			return errors.Annotate(err, "fetching token")
		}
		status, err := call(token)
		if err != nil {
			return errors.Trace(err)
		}
		switch status {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			return nil
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			logger.Debugf("gateway answered %d, refreshing token", status)
			s.config.Tokens.Refresh()
			lastStatus = status
			continue
		default:
			return errors.Errorf("gateway answered %d", status)
		}
	}
	if lastStatus == http.StatusNotFound {
		return errors.NotFoundf("object")
	}
	return errors.Unauthorizedf("gateway rejected token (%d)", lastStatus)
}

func (s *CloudStore) url(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.config.BaseURL, "/"), path)
}
