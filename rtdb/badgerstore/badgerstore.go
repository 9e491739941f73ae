// Package badgerstore is an embedded rtdb.Store on top of Badger, for running
// a single daemon with durable state and no external services.
//
// Like redisstore, each document (devices/{pin}) is one JSON value; reads
// above document depth iterate the documents beneath them.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pillmate/rtdb"

	"github.com/dgraph-io/badger"
)

const docDepth = 2

const maxTxnAttempts = 25

var docPrefix = []byte("doc:")

type Store struct {
	DB *badger.DB

	fanout rtdb.Fanout
}

// Open opens (creating if needed) a store in dataDir.
func Open(dataDir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir))
	if err != nil {
		return nil, fmt.Errorf("while opening badger kv dir: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("while closing database: %w", err)
	}
	return nil
}

func docKey(segs []string) []byte {
	return append(append([]byte{}, docPrefix...), rtdb.Join(segs[:docDepth]...)...)
}

func readDoc(txn *badger.Txn, key []byte) (interface{}, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while reading %s: %w", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("while copying %s: %w", key, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("while unmarshaling %s: %w", key, err)
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, path string) (rtdb.Snapshot, error) {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return rtdb.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return rtdb.Snapshot{}, err
	}

	var v interface{}
	err = s.DB.View(func(txn *badger.Txn) error {
		if len(segs) >= docDepth {
			doc, err := readDoc(txn, docKey(segs))
			if err != nil {
				return err
			}
			v, _ = rtdb.Lookup(doc, segs[docDepth:])
			return nil
		}

		prefix := append([]byte{}, docPrefix...)
		if len(segs) > 0 {
			prefix = append(prefix, rtdb.Join(segs...)+"/"...)
		}

		var root interface{}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			doc, err := readDoc(txn, key)
			if err != nil {
				return err
			}
			docSegs, err := rtdb.SplitPath(strings.TrimPrefix(string(key), string(docPrefix)))
			if err != nil {
				continue
			}
			root = rtdb.Place(root, docSegs, doc)
		}
		v, _ = rtdb.Lookup(root, segs)
		return nil
	})
	if err != nil {
		return rtdb.Snapshot{}, err
	}
	return rtdb.NewSnapshot(path, v)
}

func (s *Store) modify(ctx context.Context, path string, segs []string, fn func(doc interface{}) (interface{}, error)) error {
	if len(segs) < docDepth {
		return fmt.Errorf("%w: %q", rtdb.ErrShallowWrite, path)
	}
	key := docKey(segs)

	for i := 0; i < maxTxnAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.DB.Update(func(txn *badger.Txn) error {
			doc, err := readDoc(txn, key)
			if err != nil {
				return err
			}
			next, err := fn(doc)
			if err != nil {
				return err
			}
			if next == nil {
				return txn.Delete(key)
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("while marshaling %s: %w", key, err)
			}
			return txn.Set(key, raw)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.fanout.Changed(path)
		return nil
	}
	return fmt.Errorf("while writing %s: %w", path, rtdb.ErrTooManyRetries)
}

func (s *Store) Set(ctx context.Context, path string, value interface{}) error {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := rtdb.Normalize(value)
	if err != nil {
		return err
	}
	return s.modify(ctx, path, segs, func(doc interface{}) (interface{}, error) {
		return rtdb.Place(doc, segs[docDepth:], rtdb.Clone(v)), nil
	})
}

func (s *Store) Update(ctx context.Context, path string, children map[string]interface{}) error {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	return s.modify(ctx, path, segs, func(doc interface{}) (interface{}, error) {
		cur, _ := rtdb.Lookup(doc, segs[docDepth:])
		merged, err := rtdb.Merge(rtdb.Clone(cur), children)
		if err != nil {
			return nil, err
		}
		return rtdb.Place(doc, segs[docDepth:], merged), nil
	})
}

func (s *Store) Transact(ctx context.Context, path string, fn rtdb.TxnFunc) error {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	return s.modify(ctx, path, segs, func(doc interface{}) (interface{}, error) {
		cur, _ := rtdb.Lookup(doc, segs[docDepth:])
		snap, err := rtdb.NewSnapshot(path, cur)
		if err != nil {
			return nil, err
		}
		next, err := fn(snap)
		if err != nil {
			return nil, err
		}
		v, err := rtdb.Normalize(next)
		if err != nil {
			return nil, err
		}
		return rtdb.Place(doc, segs[docDepth:], v), nil
	})
}

// Watch only observes writes made through this Store.
func (s *Store) Watch(ctx context.Context, path string) (*rtdb.Subscription, error) {
	if _, err := rtdb.SplitPath(path); err != nil {
		return nil, err
	}
	return s.fanout.Watch(ctx, path, func(ctx context.Context) (rtdb.Snapshot, error) {
		return s.Get(ctx, path)
	}), nil
}
