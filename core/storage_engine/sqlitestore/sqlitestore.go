// Package sqlitestore keeps pages in an embedded SQLite database using the
// pure Go modernc driver.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS beacon (
	slot INTEGER PRIMARY KEY CHECK (slot = 0),
	data BLOB NOT NULL
);
`

// Store is a SQLite backed backend.Storage.
type Store struct {
	db     *sql.DB
	ser    *backend.Serializer
	layout indirect.Layout
	logger *zap.Logger

	mu         sync.Mutex
	seq        uint64
	writerOpen bool
	closed     bool
}

var _ backend.Storage = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string, o backend.Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dberror.IO("open sqlite store "+path, err)
	}
	// One connection serializes writers and keeps the pragma below in effect.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;`); err != nil {
		db.Close()
		return nil, dberror.IO("configure sqlite", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, dberror.IO("create schema", err)
	}

	s := &Store{
		db:     db,
		ser:    backend.NewSerializer(o),
		layout: o.Layout,
		logger: o.NamedLogger("sqlitestore"),
	}
	b, err := s.loadBeacon()
	switch {
	case errors.Is(err, dberror.ErrEmptyStorage):
	case err != nil:
		db.Close()
		return nil, err
	default:
		if err := b.CheckLayout(o.Layout); err != nil {
			db.Close()
			return nil, err
		}
		s.seq = b.Sequence
	}
	s.logger.Info("sqlite store opened", zap.String("path", path), zap.Uint64("beaconSequence", s.seq))
	return s, nil
}

func (s *Store) loadBeacon() (*backend.Beacon, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM beacon WHERE slot = 0`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dberror.ErrEmptyStorage
	}
	if err != nil {
		return nil, dberror.IO("read beacon", err)
	}
	var b backend.Beacon
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) NewReader() (backend.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberror.ErrStorageClosed
	}
	return &reader{store: s}, nil
}

func (s *Store) NewWriter() (backend.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberror.ErrStorageClosed
	}
	if s.writerOpen {
		return nil, dberror.ErrWriterActive
	}
	s.writerOpen = true
	return &writer{reader: reader{store: s}}, nil
}

func (s *Store) Exists() (bool, error) {
	_, err := s.loadBeacon()
	if errors.Is(err, dberror.ErrEmptyStorage) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return dberror.IO("close sqlite store", err)
	}
	return nil
}

// --- Reader ---

type reader struct {
	store *Store
}

func (r *reader) Read(key page.Key) (*page.Page, error) {
	var data []byte
	err := r.store.db.QueryRow(`SELECT data FROM pages WHERE id = ?`, int64(key.ID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dberror.Corrupt(fmt.Sprintf("%s not found", key), nil)
	}
	if err != nil {
		return nil, dberror.IO("read page", err)
	}
	return r.store.ser.Unmarshal(key, data)
}

func (r *reader) ReadFirstReference() (*page.Reference, error) {
	b, err := r.store.loadBeacon()
	if err != nil {
		return nil, err
	}
	return b.Reference(), nil
}

func (r *reader) Close() error { return nil }

// --- Writer ---

type writer struct {
	reader
}

func (w *writer) Write(p *page.Page) (page.Key, error) {
	data, sum, err := w.store.ser.Marshal(p)
	if err != nil {
		return page.Key{}, err
	}
	res, err := w.store.db.Exec(`INSERT INTO pages (data) VALUES (?)`, data)
	if err != nil {
		return page.Key{}, dberror.IO("write page", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return page.Key{}, dberror.IO("page id", err)
	}
	return page.Key{ID: uint64(id), Length: uint32(len(data)), Checksum: sum}, nil
}

func (w *writer) WriteFirstReference(ref *page.Reference) error {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	b := backend.NewBeacon(s.seq+1, s.layout, ref)
	data, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO beacon (slot, data) VALUES (0, ?)
		ON CONFLICT(slot) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return dberror.IO("write beacon", err)
	}
	s.seq = b.Sequence
	s.logger.Debug("beacon swapped", zap.Uint64("sequence", b.Sequence), zap.Stringer("uber", b.UberKey))
	return nil
}

func (w *writer) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.writerOpen = false
	return nil
}
