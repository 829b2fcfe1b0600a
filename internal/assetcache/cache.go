// Package assetcache persists a seat's assets between sessions in a
// bbolt file. Assets are validated by recomputing their digest, never
// by size or timestamp.
package assetcache

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dalder6284/rtpc-app/internal/codec"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

var buckets = map[protocol.Kind][]byte{
	protocol.KindPatch: []byte("patches"),
	protocol.KindSheet: []byte("sheets"),
}

// ErrUnknownKind is returned for a kind with no bucket.
var ErrUnknownKind = errors.New("assetcache: unknown asset kind")

// record is the CBOR value stored per asset.
type record struct {
	Data     []byte `cbor:"1,keyasint"`
	Hash     string `cbor:"2,keyasint"`
	StoredAt int64  `cbor:"3,keyasint"`
}

// Cache is a bbolt-backed asset store. It is safe for concurrent use.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening asset cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing asset cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

// Close releases the file.
func (c *Cache) Close() error { return c.db.Close() }

// Put stores data under k, replacing any earlier copy.
func (c *Cache) Put(k transfer.Key, data []byte) error {
	bucket, ok := buckets[k.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, k.Kind)
	}
	value, err := codec.Marshal(record{Data: data, Hash: transfer.Digest(data), StoredAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", k, err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(k.Name), value)
	})
}

// Get returns the cached bytes for k. A record whose bytes no longer
// match its stored digest is reported as absent.
func (c *Cache) Get(k transfer.Key) ([]byte, bool, error) {
	bucket, ok := buckets[k.Kind]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownKind, k.Kind)
	}
	var (
		data  []byte
		found bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucket).Get([]byte(k.Name))
		if value == nil {
			return nil
		}
		var r record
		if err := codec.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decoding %s: %w", k, err)
		}
		if transfer.Digest(r.Data) == r.Hash {
			data, found = append([]byte{}, r.Data...), true
		}
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return data, true, nil
}

// Hashes recomputes the digest of every cached asset. Undecodable
// records are skipped.
func (c *Cache) Hashes() (map[transfer.Key]string, error) {
	hashes := make(map[transfer.Key]string)
	err := c.db.View(func(tx *bbolt.Tx) error {
		for kind, bucket := range buckets {
			err := tx.Bucket(bucket).ForEach(func(name, value []byte) error {
				var r record
				if err := codec.Unmarshal(value, &r); err != nil {
					return nil
				}
				hashes[transfer.Key{Kind: kind, Name: string(name)}] = transfer.Digest(r.Data)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading asset cache: %w", err)
	}
	return hashes, nil
}

// Delete removes k.
func (c *Cache) Delete(k transfer.Key) error {
	bucket, ok := buckets[k.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, k.Kind)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(k.Name))
	})
}

// Prune deletes every asset not in keep and returns how many went.
func (c *Cache) Prune(keep []transfer.Key) (int, error) {
	wanted := make(map[transfer.Key]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		for kind, bucket := range buckets {
			b := tx.Bucket(bucket)
			var doomed [][]byte
			err := b.ForEach(func(name, _ []byte) error {
				if !wanted[transfer.Key{Kind: kind, Name: string(name)}] {
					doomed = append(doomed, append([]byte(nil), name...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, name := range doomed {
				if err := b.Delete(name); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
