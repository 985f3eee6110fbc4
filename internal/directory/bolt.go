package directory

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("peers")

// BoltDirectory realizes spec.md §6's "or equivalent KV registry"
// alternative for deployments without a shared filesystem: every Peer
// opens the same bbolt file (on a shared volume, or via a side-channel
// that replicates it) and registers into one bucket. Semantically
// identical to FilesystemDirectory — one entry per live Peer, best-effort
// staleness tolerated by callers.
type BoltDirectory struct {
	db *bolt.DB
}

// NewBoltDirectory opens (creating if necessary) path as a bbolt-backed
// peer directory.
func NewBoltDirectory(path string) (*BoltDirectory, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDirectory{db: db}, nil
}

// Register upserts name -> url in the peers bucket.
func (b *BoltDirectory) Register(name, url string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), []byte(url))
	})
}

// Deregister removes name's entry, if present.
func (b *BoltDirectory) Deregister(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}

// List returns every registered URL.
func (b *BoltDirectory) List() ([]string, error) {
	var urls []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			urls = append(urls, string(v))
			return nil
		})
	})
	return urls, err
}

// Close closes the underlying bbolt file.
func (b *BoltDirectory) Close() error {
	return b.db.Close()
}
