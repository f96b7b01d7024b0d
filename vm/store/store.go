// Package store keeps compiled modules in a SQLite database so several
// hosts can share one published module set.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/chazu/quill/pkg/bytecode"
)

var log = commonlog.GetLogger("quill.store")

// ErrNotFound indicates the requested module isn't stored.
var ErrNotFound = errors.New("store: module not found")

// ErrCorrupt indicates stored bytes no longer match their hash.
var ErrCorrupt = errors.New("store: stored module does not match its hash")

// Record describes a stored module.
type Record struct {
	Name        string
	Hash        [32]byte
	Size        int
	PublishedAt time.Time
}

// Store is a SQLite-backed module table.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes publishes
}

// Open opens or creates the module database at dbPath. ":memory:" gives a
// private in-memory store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		name TEXT PRIMARY KEY,
		hash BLOB NOT NULL,
		data BLOB NOT NULL,
		published_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Publish stores modules, replacing earlier versions with the same name.
// Modules are encoded in parallel and written in one transaction.
func (s *Store) Publish(ctx context.Context, mods ...*bytecode.Module) error {
	encoded := make([][]byte, len(mods))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mods {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := bytecode.Marshal(m)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", m.Name, err)
			}
			encoded[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for i, m := range mods {
		hash := sha256.Sum256(encoded[i])
		_, err := tx.ExecContext(ctx,
			`INSERT INTO modules (name, hash, data, published_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET hash = excluded.hash, data = excluded.data, published_at = excluded.published_at`,
			m.Name, hash[:], encoded[i], now)
		if err != nil {
			return fmt.Errorf("storing %s: %w", m.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	log.Infof("published %d modules to %s", len(mods), s.dbPath)
	return nil
}

// Get returns the verified encoding of a module.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var hash, data []byte
	err := s.db.QueryRowContext(ctx, "SELECT hash, data FROM modules WHERE name = ?", name).Scan(&hash, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], hash) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return data, nil
}

// Module loads and decodes a module.
func (s *Store) Module(ctx context.Context, name string) (*bytecode.Module, error) {
	data, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return bytecode.Unmarshal(data)
}

// Modules loads and decodes several modules concurrently.
func (s *Store) Modules(ctx context.Context, names ...string) ([]*bytecode.Module, error) {
	out := make([]*bytecode.Module, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			m, err := s.Module(gctx, name)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every stored module, ordered by name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, hash, length(data), published_at FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			hash []byte
			ms   int64
		)
		if err := rows.Scan(&r.Name, &hash, &r.Size, &ms); err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		copy(r.Hash[:], hash)
		r.PublishedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a module.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Locator
// ---------------------------------------------------------------------------

// SQLLocator finds modules in a Store.
type SQLLocator struct {
	Store   *Store
	Timeout time.Duration
}

// Locator returns a locator over the store.
func (s *Store) Locator() *SQLLocator {
	return &SQLLocator{Store: s, Timeout: 5 * time.Second}
}

func (l *SQLLocator) Locate(name string) (io.ReadCloser, bool, error) {
	ctx := context.Background()
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	data, err := l.Store.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}
