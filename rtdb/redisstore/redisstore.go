// Package redisstore is an rtdb.Store backed by Redis.
//
// Each document (the node two segments below the root, e.g. devices/{pin}) is
// stored as one JSON value.  Reads above document depth scan and assemble the
// documents beneath them; writes must address a document or something below
// it.  Changes are announced on a pub/sub channel so that watchers in other
// processes see them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pillmate/rtdb"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const docDepth = 2

const maxTxnAttempts = 25

type Store struct {
	client *redis.Client
	prefix string
}

type StoreOpt func(*Store)

// WithPrefix namespaces every key and the change channel.
func WithPrefix(prefix string) StoreOpt {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func New(client *redis.Client, opts ...StoreOpt) *Store {
	s := &Store{
		client: client,
		prefix: "pillmate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) docKey(segs []string) string {
	return s.prefix + "doc:" + rtdb.Join(segs[:docDepth]...)
}

func (s *Store) changeChannel() string {
	return s.prefix + "changes"
}

func (s *Store) startSpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillmate/rtdb/redisstore")
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("path", path)))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) readDoc(ctx context.Context, getter getter, key string) (interface{}, error) {
	raw, err := getter.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while reading %s: %w", key, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("while unmarshaling %s: %w", key, err)
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, path string) (rtdb.Snapshot, error) {
	ctx, span := s.startSpan(ctx, "Store.Get", path)
	defer span.End()

	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return rtdb.Snapshot{}, err
	}

	if len(segs) >= docDepth {
		doc, err := s.readDoc(ctx, s.client, s.docKey(segs))
		if err != nil {
			return rtdb.Snapshot{}, err
		}
		v, _ := rtdb.Lookup(doc, segs[docDepth:])
		return rtdb.NewSnapshot(path, v)
	}

	root, err := s.assemble(ctx, segs)
	if err != nil {
		return rtdb.Snapshot{}, err
	}
	v, _ := rtdb.Lookup(root, segs)
	return rtdb.NewSnapshot(path, v)
}

// assemble builds the tree of every document under segs.
func (s *Store) assemble(ctx context.Context, segs []string) (interface{}, error) {
	docPrefix := s.prefix + "doc:"
	match := docPrefix + "*"
	if len(segs) > 0 {
		match = docPrefix + rtdb.Join(segs...) + "/*"
	}

	var root interface{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("while scanning %s: %w", match, err)
		}
		for _, key := range keys {
			doc, err := s.readDoc(ctx, s.client, key)
			if err != nil {
				return nil, err
			}
			docSegs, err := rtdb.SplitPath(strings.TrimPrefix(key, docPrefix))
			if err != nil {
				slog.WarnContext(ctx, "Ignoring malformed document key", slog.String("key", key))
				continue
			}
			root = rtdb.Place(root, docSegs, doc)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return root, nil
}

// modify runs a watched read-modify-write of the document holding segs.
func (s *Store) modify(ctx context.Context, path string, segs []string, fn func(doc interface{}) (interface{}, error)) error {
	if len(segs) < docDepth {
		return fmt.Errorf("%w: %q", rtdb.ErrShallowWrite, path)
	}
	key := s.docKey(segs)

	txf := func(tx *redis.Tx) error {
		doc, err := s.readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("while marshaling %s: %w", key, err)
			}
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxnAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}

		if err := s.client.Publish(ctx, s.changeChannel(), path).Err(); err != nil {
			// The write landed; watchers will catch up on the next change.
			slog.ErrorContext(ctx, "Failed to publish change", slog.String("path", path), slog.Any("err", err))
		}
		return nil
	}
	return fmt.Errorf("while writing %s: %w", path, rtdb.ErrTooManyRetries)
}

func (s *Store) Set(ctx context.Context, path string, value interface{}) error {
	ctx, span := s.startSpan(ctx, "Store.Set", path)
	defer span.End()

	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := rtdb.Normalize(value)
	if err != nil {
		return err
	}
	return s.modify(ctx, path, segs, func(doc interface{}) (interface{}, error) {
		return rtdb.Place(doc, segs[docDepth:], v), nil
	})
}

func (s *Store) Update(ctx context.Context, path string, children map[string]interface{}) error {
	ctx, span := s.startSpan(ctx, "Store.Update", path)
	defer span.End()

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
	ctx, span := s.startSpan(ctx, "Store.Transact", path)
	defer span.End()

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

func (s *Store) Watch(ctx context.Context, path string) (*rtdb.Subscription, error) {
	if _, err := rtdb.SplitPath(path); err != nil {
		return nil, err
	}

	ps := s.client.Subscribe(ctx, s.changeChannel())
	// Wait for the subscription to be confirmed so no change published after
	// Watch returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("while subscribing to changes: %w", err)
	}

	done := make(chan struct{})
	sub := rtdb.NewSubscription(ctx, func(ctx context.Context) (rtdb.Snapshot, error) {
		return s.Get(ctx, path)
	}, func() {
		ps.Close()
		<-done
	})

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			if rtdb.Overlaps(path, msg.Payload) {
				sub.Notify()
			}
		}
	}()

	return sub, nil
}
