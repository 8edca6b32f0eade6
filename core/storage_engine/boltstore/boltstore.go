// Package boltstore keeps pages in an embedded bolt key-value file. Page ids
// come from the pages bucket's sequence; the beacon lives in the meta bucket
// and is replaced inside a single bolt transaction.
package boltstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
)

var (
	pagesBucket = []byte("pages")
	metaBucket  = []byte("meta")
	beaconKey   = []byte("beacon")
)

// Store is a bolt backed backend.Storage.
type Store struct {
	db     *bolt.DB
	ser    *backend.Serializer
	layout indirect.Layout
	logger *zap.Logger

	mu         sync.Mutex
	seq        uint64
	writerOpen bool
	closed     bool
}

var _ backend.Storage = (*Store)(nil)

// Open opens or creates the bolt file at path.
func Open(path string, o backend.Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, dberror.IO("open bolt store "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, dberror.IO("create buckets", err)
	}

	s := &Store{
		db:     db,
		ser:    backend.NewSerializer(o),
		layout: o.Layout,
		logger: o.NamedLogger("boltstore"),
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
	s.logger.Info("bolt store opened", zap.String("path", path), zap.Uint64("beaconSequence", s.seq))
	return s, nil
}

func (s *Store) loadBeacon() (*backend.Beacon, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(beaconKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, dberror.IO("read beacon", err)
	}
	if data == nil {
		return nil, dberror.ErrEmptyStorage
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
		return dberror.IO("close bolt store", err)
	}
	return nil
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// --- Reader ---

type reader struct {
	store *Store
}

func (r *reader) Read(key page.Key) (*page.Page, error) {
	var data []byte
	err := r.store.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(pagesBucket).Get(idBytes(key.ID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, dberror.IO("read page", err)
	}
	if data == nil {
		return nil, dberror.Corrupt(fmt.Sprintf("%s not found", key), nil)
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
	var id uint64
	err = w.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pagesBucket)
		if id, err = b.NextSequence(); err != nil {
			return err
		}
		return b.Put(idBytes(id), data)
	})
	if err != nil {
		return page.Key{}, dberror.IO("write page", err)
	}
	return page.Key{ID: id, Length: uint32(len(data)), Checksum: sum}, nil
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
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(beaconKey, data)
	})
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
