package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"geostream.dev/internal/tile"
)

// SQLiteStore is the durable cache tier: content key -> framed payload bytes.
// Writes go through a single writer goroutine so bursty fetch completions
// never stall the coordinator; reads hit the database directly.
type SQLiteStore struct {
	db *sql.DB

	ch   chan storeReq
	wg   sync.WaitGroup
	once sync.Once

	failed atomic.Bool
	logf   func(format string, v ...any)
}

type storeOp int

const (
	opPut storeOp = iota + 1
	opClear
)

type storeReq struct {
	op    storeOp
	key   tile.ContentKey
	frame []byte
	done  chan error
}

func OpenSQLite(path string, logf func(format string, v ...any)) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty cache db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:   db,
		ch:   make(chan storeReq, 4096),
		logf: logf,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style fetch completion workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS payloads (
		key       TEXT PRIMARY KEY,
		frame     BLOB NOT NULL,
		stored_at INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loop() {
	for req := range s.ch {
		var err error
		switch req.op {
		case opPut:
			_, err = s.db.Exec(
				`INSERT INTO payloads (key, frame, stored_at) VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET frame=excluded.frame, stored_at=excluded.stored_at`,
				string(req.key), req.frame, time.Now().UnixMilli(),
			)
		case opClear:
			_, err = s.db.Exec(`DELETE FROM payloads`)
		}
		if err != nil {
			s.failed.Store(true)
			if s.logf != nil {
				s.logf("cache store: %v", err)
			}
		}
		if req.done != nil {
			req.done <- err
		}
	}
}

// Put enqueues a durable write. Failures are reported through Failed.
func (s *SQLiteStore) Put(key tile.ContentKey, frame []byte) {
	select {
	case s.ch <- storeReq{op: opPut, key: key, frame: frame}:
	default:
		// Queue full: drop the durable copy rather than block a fetch
		// completion. The resident tier still has the payload.
		if s.logf != nil {
			s.logf("cache store: write queue full, dropping %s", key)
		}
	}
}

// Clear removes every durable entry and waits for completion, acting as a
// barrier with respect to writes enqueued before it. In-flight fetches that
// complete afterwards write fresh entries, which is valid.
func (s *SQLiteStore) Clear() error {
	done := make(chan error, 1)
	s.ch <- storeReq{op: opClear, done: done}
	return <-done
}

func (s *SQLiteStore) Get(key tile.ContentKey) ([]byte, bool, error) {
	var frame []byte
	err := s.db.QueryRow(`SELECT frame FROM payloads WHERE key = ?`, string(key)).Scan(&frame)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		s.failed.Store(true)
		return nil, false, err
	}
	return frame, true, nil
}

func (s *SQLiteStore) Delete(key tile.ContentKey) {
	if _, err := s.db.Exec(`DELETE FROM payloads WHERE key = ?`, string(key)); err != nil {
		s.failed.Store(true)
		if s.logf != nil {
			s.logf("cache store: %v", err)
		}
	}
}

func (s *SQLiteStore) Len() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM payloads`).Scan(&n)
	return n, err
}

// Failed reports whether any durable operation has errored this session.
func (s *SQLiteStore) Failed() bool { return s.failed.Load() }

func (s *SQLiteStore) Close() error {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
	return s.db.Close()
}
