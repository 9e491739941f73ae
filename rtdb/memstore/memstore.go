// Package memstore is an in-process rtdb.Store, used for tests and for running
// the daemon without any backing service.
package memstore

import (
	"context"
	"sync"

	"pillmate/rtdb"
)

type Store struct {
	mu     sync.Mutex
	root   interface{}
	fanout rtdb.Fanout

	// Hooks for tests that need to observe or fail writes.
	beforeWrite func(path string) error
}

func New() *Store {
	return &Store{}
}

// FailWrites makes every subsequent write whose path overlaps prefix return
// err.  Passing a nil err clears the hook.
func (s *Store) FailWrites(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.beforeWrite = nil
		return
	}
	s.beforeWrite = func(path string) error {
		if rtdb.Overlaps(prefix, path) {
			return err
		}
		return nil
	}
}

func (s *Store) snapshotLocked(path string, segs []string) (rtdb.Snapshot, error) {
	v, ok := rtdb.Lookup(s.root, segs)
	if !ok {
		return rtdb.Snapshot{Path: path}, nil
	}
	return rtdb.NewSnapshot(path, v)
}

func (s *Store) Get(ctx context.Context, path string) (rtdb.Snapshot, error) {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return rtdb.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return rtdb.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(path, segs)
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
	return s.write(ctx, path, func() error {
		s.root = rtdb.Place(s.root, segs, v)
		return nil
	})
}

func (s *Store) Update(ctx context.Context, path string, children map[string]interface{}) error {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, path, func() error {
		cur, _ := rtdb.Lookup(s.root, segs)
		merged, err := rtdb.Merge(rtdb.Clone(cur), children)
		if err != nil {
			return err
		}
		s.root = rtdb.Place(s.root, segs, merged)
		return nil
	})
}

func (s *Store) Transact(ctx context.Context, path string, fn rtdb.TxnFunc) error {
	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, path, func() error {
		cur, err := s.snapshotLocked(path, segs)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		v, err := rtdb.Normalize(next)
		if err != nil {
			return err
		}
		s.root = rtdb.Place(s.root, segs, v)
		return nil
	})
}

func (s *Store) write(ctx context.Context, path string, apply func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.beforeWrite != nil {
		if err := s.beforeWrite(path); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.fanout.Changed(path)
	return nil
}

func (s *Store) Watch(ctx context.Context, path string) (*rtdb.Subscription, error) {
	if _, err := rtdb.SplitPath(path); err != nil {
		return nil, err
	}
	return s.fanout.Watch(ctx, path, func(ctx context.Context) (rtdb.Snapshot, error) {
		return s.Get(ctx, path)
	}), nil
}
