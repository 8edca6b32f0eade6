// Package filestore keeps every page of a resource in one append-only file.
//
// File layout:
//
//	[0, 512)     beacon slot 0
//	[512, 1024)  beacon slot 1
//	[1024, ...)  pages, appended; a page key's ID is its file offset
//
// Beacons alternate between the two slots. On open the valid slot with the
// highest sequence wins, so a torn beacon write falls back to the previous
// revision.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
)

const (
	beaconSlotSize = 512
	beaconSlots    = 2
	dataStart      = beaconSlotSize * beaconSlots
)

// Store is a flat-file backend.Storage.
type Store struct {
	path   string
	file   *os.File
	ser    *backend.Serializer
	layout indirect.Layout
	logger *zap.Logger

	mu         sync.Mutex // guards everything below
	end        int64
	seq        uint64
	activeSlot int // slot holding the current beacon, -1 if none
	writerOpen bool
	closed     bool
}

var _ backend.Storage = (*Store)(nil)

// Open opens or creates the data file at path.
func Open(path string, o backend.Options) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberror.IO("open "+path, err)
	}
	s := &Store{
		path:       path,
		file:       file,
		ser:        backend.NewSerializer(o),
		layout:     o.Layout,
		logger:     o.NamedLogger("filestore"),
		activeSlot: -1,
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberror.IO("stat "+path, err)
	}
	if fi.Size() < dataStart {
		// Fresh file: reserve zeroed beacon slots.
		if err := file.Truncate(dataStart); err != nil {
			file.Close()
			return nil, dberror.IO("reserve beacon slots", err)
		}
		s.end = dataStart
	} else {
		s.end = fi.Size()
	}

	b, slot, err := s.loadBeacon()
	if err != nil && !errors.Is(err, dberror.ErrEmptyStorage) {
		file.Close()
		return nil, err
	}
	if b != nil {
		if err := b.CheckLayout(o.Layout); err != nil {
			file.Close()
			return nil, err
		}
		s.seq = b.Sequence
		s.activeSlot = slot
	}
	s.logger.Info("file store opened",
		zap.String("path", path), zap.Int64("size", s.end), zap.Uint64("beaconSequence", s.seq))
	return s, nil
}

// loadBeacon reads both slots and returns the valid one with the highest sequence.
func (s *Store) loadBeacon() (*backend.Beacon, int, error) {
	var (
		best     *backend.Beacon
		bestSlot = -1
		invalid  int
		firstErr error
	)
	buf := make([]byte, backend.BeaconSize)
	for slot := 0; slot < beaconSlots; slot++ {
		if _, err := s.file.ReadAt(buf, int64(slot*beaconSlotSize)); err != nil {
			return nil, -1, dberror.IO("read beacon", err)
		}
		if backend.IsZero(buf) {
			continue
		}
		var b backend.Beacon
		if err := b.UnmarshalBinary(buf); err != nil {
			s.logger.Warn("ignoring invalid beacon slot", zap.Int("slot", slot), zap.Error(err))
			invalid++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if best == nil || b.Sequence > best.Sequence {
			bb := b
			best, bestSlot = &bb, slot
		}
	}
	if best != nil {
		return best, bestSlot, nil
	}
	if invalid > 0 {
		return nil, -1, firstErr
	}
	return nil, -1, dberror.ErrEmptyStorage
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
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSlot >= 0, nil
}

// Path returns the data file path.
func (s *Store) Path() string { return s.path }

// Size returns the current logical end of the data file.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return dberror.IO("close "+s.path, err)
	}
	s.logger.Info("file store closed", zap.String("path", s.path))
	return nil
}

// --- Reader ---

type reader struct {
	store *Store
}

func (r *reader) Read(key page.Key) (*page.Page, error) {
	if key.ID < dataStart {
		return nil, dberror.Corrupt(fmt.Sprintf("%s points into the beacon area", key), nil)
	}
	buf := make([]byte, key.Length)
	n, err := r.store.file.ReadAt(buf, int64(key.ID))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if errors.Is(err, io.EOF) {
			return nil, dberror.Corrupt(fmt.Sprintf("%s beyond end of file", key), err)
		}
		return nil, dberror.IO("read page", err)
	}
	return r.store.ser.Unmarshal(key, buf)
}

func (r *reader) ReadFirstReference() (*page.Reference, error) {
	b, _, err := r.store.loadBeacon()
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

// Write appends p. Safe for concurrent use by the commit workers of one
// transaction.
func (w *writer) Write(p *page.Page) (page.Key, error) {
	data, sum, err := w.store.ser.Marshal(p)
	if err != nil {
		return page.Key{}, err
	}
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return page.Key{}, dberror.ErrStorageClosed
	}
	off := s.end
	if _, err := s.file.WriteAt(data, off); err != nil {
		return page.Key{}, dberror.IO("write page", err)
	}
	s.end += int64(len(data))
	key := page.Key{ID: uint64(off), Length: uint32(len(data)), Checksum: sum}
	s.logger.Debug("page written", zap.Stringer("page", p), zap.Stringer("key", key))
	return key, nil
}

func (w *writer) WriteFirstReference(ref *page.Reference) error {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberror.ErrStorageClosed
	}
	// Pages first, then the beacon that makes them reachable.
	if err := s.file.Sync(); err != nil {
		return dberror.IO("sync pages", err)
	}
	b := backend.NewBeacon(s.seq+1, s.layout, ref)
	data, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	slot := 0
	if s.activeSlot == 0 {
		slot = 1
	}
	if _, err := s.file.WriteAt(data, int64(slot*beaconSlotSize)); err != nil {
		return dberror.IO("write beacon", err)
	}
	if err := s.file.Sync(); err != nil {
		return dberror.IO("sync beacon", err)
	}
	s.seq = b.Sequence
	s.activeSlot = slot
	s.logger.Debug("beacon swapped", zap.Int("slot", slot), zap.Uint64("sequence", b.Sequence), zap.Stringer("uber", b.UberKey))
	return nil
}

func (w *writer) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.writerOpen = false
	return nil
}
