// Package sqlstore is an rtdb.Store on a SQL database: SQLite for a single
// host, where several processes can share one file, or PostgreSQL.
//
// As in redisstore, each document (devices/{pin}) is one JSON row.  Writes
// are optimistic: a row carries a version, and an update only lands if the
// version is unchanged since it was read.  Watchers in other processes learn
// of changes by polling the versions.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"pillmate/rtdb"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

const docDepth = 2

const maxTxnAttempts = 25

// Dialect is the SQL flavor of the database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return SQLite, nil
	case "postgres":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported SQL driver %q", driver)
}

const schema = `CREATE TABLE IF NOT EXISTS rtdb_docs (
	path TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	version BIGINT NOT NULL
)`

type Store struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool

	pollInterval time.Duration
	fanout       rtdb.Fanout

	pollOnce  sync.Once
	closeOnce sync.Once
	stopPoll chan struct{}
	pollDone chan struct{}
}

type StoreOpt func(*Store)

// WithPollInterval sets how often versions are polled for changes made by
// other processes.
func WithPollInterval(d time.Duration) StoreOpt {
	return func(s *Store) {
		s.pollInterval = d
	}
}

// New uses an open database.  The schema must exist; see Migrate.
func New(db *sql.DB, dialect Dialect, opts ...StoreOpt) *Store {
	s := &Store{
		db:           db,
		dialect:      dialect,
		pollInterval: 500 * time.Millisecond,
		stopPoll:     make(chan struct{}),
		pollDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database named by driver ("sqlite" or "postgres") and dsn,
// and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string, opts ...StoreOpt) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("while opening %s database: %w", driver, err)
	}
	if dialect == SQLite {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
		// within the process.
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect, opts...)
	s.ownsDB = true
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the documents table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("while creating schema: %w", err)
	}
	return nil
}

// Close stops change polling, and closes the database if Open opened it.
func (s *Store) Close() error {
	polling := true
	s.pollOnce.Do(func() {
		polling = false
	})
	s.closeOnce.Do(func() {
		close(s.stopPoll)
	})
	if polling {
		<-s.pollDone
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("while closing database: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) startSpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillmate/rtdb/sqlstore")
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("path", path)))
}

func docPath(segs []string) string {
	return rtdb.Join(segs[:docDepth]...)
}

// readDoc returns the document at key and its version, which is 0 if the
// document does not exist.
func (s *Store) readDoc(ctx context.Context, key string) (interface{}, int64, error) {
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value, version FROM rtdb_docs WHERE path = ?`), key).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("while reading %s: %w", key, err)
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, 0, fmt.Errorf("while unmarshaling %s: %w", key, err)
	}
	return doc, version, nil
}

func (s *Store) Get(ctx context.Context, path string) (rtdb.Snapshot, error) {
	ctx, span := s.startSpan(ctx, "Store.Get", path)
	defer span.End()

	segs, err := rtdb.SplitPath(path)
	if err != nil {
		return rtdb.Snapshot{}, err
	}

	if len(segs) >= docDepth {
		doc, _, err := s.readDoc(ctx, docPath(segs))
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
	prefix := ""
	if len(segs) > 0 {
		prefix = rtdb.Join(segs...) + "/"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, value FROM rtdb_docs`)
	if err != nil {
		return nil, fmt.Errorf("while listing documents: %w", err)
	}
	defer rows.Close()

	var root interface{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("while scanning documents: %w", err)
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var doc interface{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("while unmarshaling %s: %w", key, err)
		}
		docSegs, err := rtdb.SplitPath(key)
		if err != nil {
			continue
		}
		root = rtdb.Place(root, docSegs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("while listing documents: %w", err)
	}
	return root, nil
}

// errConflict means the document changed between read and write.
var errConflict = errors.New("document changed concurrently")

// exec runs a conditional write and reports errConflict if it touched no
// row.
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errConflict
	}
	return nil
}

// modify runs an optimistic read-modify-write of the document holding segs.
func (s *Store) modify(ctx context.Context, path string, segs []string, fn func(doc interface{}) (interface{}, error)) error {
	if len(segs) < docDepth {
		return fmt.Errorf("%w: %q", rtdb.ErrShallowWrite, path)
	}
	key := docPath(segs)

	for i := 0; i < maxTxnAttempts; i++ {
		doc, version, err := s.readDoc(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return err
		}

		switch {
		case next == nil && version == 0:
			return nil
		case next == nil:
			err = s.exec(ctx, `DELETE FROM rtdb_docs WHERE path = ? AND version = ?`, key, version)
		default:
			raw, merr := json.Marshal(next)
			if merr != nil {
				return fmt.Errorf("while marshaling %s: %w", key, merr)
			}
			if version == 0 {
				err = s.exec(ctx, `INSERT INTO rtdb_docs (path, value, version) VALUES (?, ?, 1) ON CONFLICT (path) DO NOTHING`, key, string(raw))
			} else {
				err = s.exec(ctx, `UPDATE rtdb_docs SET value = ?, version = ? WHERE path = ? AND version = ?`, string(raw), version+1, key, version)
			}
		}
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("while writing %s: %w", key, err)
		}

		s.fanout.Changed(path)
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
		return rtdb.Place(doc, segs[docDepth:], rtdb.Clone(v)), nil
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

// Watch sees writes made through this Store at once, and writes made by
// other processes within the poll interval.
func (s *Store) Watch(ctx context.Context, path string) (*rtdb.Subscription, error) {
	if _, err := rtdb.SplitPath(path); err != nil {
		return nil, err
	}
	var err error
	s.pollOnce.Do(func() {
		// Baseline before the first fetch, so later writes show as changes.
		var seen map[string]int64
		seen, err = s.versions(ctx)
		if err != nil {
			close(s.pollDone)
			return
		}
		go s.poll(seen)
	})
	if err != nil {
		return nil, fmt.Errorf("while reading document versions: %w", err)
	}
	return s.fanout.Watch(ctx, path, func(ctx context.Context) (rtdb.Snapshot, error) {
		return s.Get(ctx, path)
	}), nil
}

func (s *Store) versions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, version FROM rtdb_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var key string
		var version int64
		if err := rows.Scan(&key, &version); err != nil {
			return nil, err
		}
		out[key] = version
	}
	return out, rows.Err()
}

// poll announces every document whose version changed since the last poll.
func (s *Store) poll(seen map[string]int64) {
	defer close(s.pollDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopPoll:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := s.versions(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.ErrorContext(ctx, "Failed to poll document versions", slog.Any("err", err))
			}
			continue
		}
		for key, version := range cur {
			if seen[key] != version {
				s.fanout.Changed(key)
			}
		}
		for key := range seen {
			if _, ok := cur[key]; !ok {
				s.fanout.Changed(key)
			}
		}
		seen = cur
	}
}
