// Package blob stores raw fetched HTML keyed by sync-scoped paths.
//
// Every crawled page is persisted under its JobSync's namespace so the
// extraction and due-date stages can re-read page content without
// re-fetching. Writes are upserts: storing the same (namespace, url)
// twice yields the same path with the payload overwritten, which is what
// makes stage retries safe.
package blob

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get and Update for paths that were never written.
var ErrNotFound = errors.New("blob: not found")

const (
	payloadPrefix = "blob:"
	metaPrefix    = "meta:"
)

// Metadata describes a stored object.
type Metadata struct {
	ContentType  string    `json:"content_type"`
	CacheControl string    `json:"cache_control,omitempty"`
	Size         int64     `json:"size"`
	StoredAt     time.Time `json:"stored_at"`
}

// PutOptions carry object metadata for Put.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// Store is a Badger-backed content store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the blob database under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the storage path for a URL within a namespace:
// <namespace>/<md5(url)>.html. The path depends only on its inputs, so
// repeated stores of the same page land on the same object.
func Path(namespace, url string) string {
	sum := md5.Sum([]byte(url))
	return namespace + "/" + hex.EncodeToString(sum[:]) + ".html"
}

// Put upserts payload under the namespace-scoped path for url and returns
// that path.
func (s *Store) Put(namespace, url string, payload []byte, opts PutOptions) (string, error) {
	path := Path(namespace, url)
	if opts.ContentType == "" {
		opts.ContentType = "text/html"
	}
	meta, err := json.Marshal(Metadata{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		Size:         int64(len(payload)),
		StoredAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("blob: marshal metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(payloadPrefix+path), payload); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+path), meta)
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", path, err)
	}
	return path, nil
}

// Get returns the payload stored at path, or ErrNotFound.
func (s *Store) Get(path string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(payloadPrefix + path))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", path, err)
	}
	return payload, nil
}

// Stat returns the metadata stored for path, or ErrNotFound.
func (s *Store) Stat(path string) (*Metadata, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + path))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: stat %s: %w", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("blob: decode metadata for %s: %w", path, err)
	}
	return &meta, nil
}

// Update overwrites the payload at an existing path. Unlike Put it fails
// with ErrNotFound when the path was never written.
func (s *Store) Update(path string, payload []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(payloadPrefix + path)); err != nil {
			return err
		}
		return txn.Set([]byte(payloadPrefix+path), payload)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("blob: update %s: %w", path, err)
	}
	return nil
}
