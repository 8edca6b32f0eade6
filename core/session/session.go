// Package session is the entry point to a treetank store. A session owns the
// durable backend of one storage path, hands out any number of read
// transactions and at most one write transaction at a time, and tracks the
// latest committed revision.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
	"github.com/JohannesLichtenberger/treetank/core/transaction"
	"github.com/JohannesLichtenberger/treetank/core/write_engine/pagecache"
	internaltelemetry "github.com/JohannesLichtenberger/treetank/internal/telemetry"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
	"github.com/JohannesLichtenberger/treetank/pkg/telemetry"
)

// Option customises Open.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	storage backend.Storage
	tel     *telemetry.Telemetry
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStorage uses s instead of opening cfg.Backend. The session takes
// ownership and closes s.
func WithStorage(s backend.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithTelemetry records metrics and commit spans through tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// Session is safe for concurrent use.
type Session struct {
	cfg     config.Config
	path    string
	storage backend.Storage
	reader  backend.Reader
	shared  *pagecache.SharedPages
	env     transaction.Env
	logger  *zap.Logger

	mu      sync.RWMutex
	latest  *page.Page // uber page of the latest committed revision
	writer  *transaction.PageWriteTrx
	readers int
	closed  bool
}

// Open opens the store described by cfg, bootstrapping revision 0 if it has
// never been written. Only one session per storage path may be open in a
// process at a time.
func Open(cfg config.Config, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := register(cfg.Path)
	if err != nil {
		return nil, err
	}

	s, err := open(cfg, abs, o)
	if err != nil {
		unregister(abs)
		return nil, err
	}
	return s, nil
}

func open(cfg config.Config, abs string, o options) (s *Session, err error) {
	logger := o.logger.Named("session").With(zap.String("path", abs))
	pipeline, err := cfg.Pipeline.Build()
	if err != nil {
		return nil, err
	}
	bo := backend.Options{Layout: cfg.IndirectLayout(), Pipeline: pipeline, Logger: o.logger}

	storage := o.storage
	if storage == nil {
		if storage, err = openStorage(cfg, bo); err != nil {
			return nil, err
		}
	}
	var closers []func() error
	closers = append(closers, storage.Close)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = multierr.Append(err, closers[i]())
			}
		}
	}()

	reader, err := storage.NewReader()
	if err != nil {
		return nil, err
	}
	closers = append(closers, reader.Close)
	shared, err := pagecache.NewSharedPages(cfg.Cache.SharedPages)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { shared.Close(); return nil })

	metrics := internaltelemetry.NoopStorageMetrics()
	var tracer trace.Tracer
	if o.tel != nil {
		if metrics, err = internaltelemetry.NewStorageMetrics(o.tel.Meter); err != nil {
			return nil, err
		}
		tracer = o.tel.Tracer
	}

	s = &Session{
		cfg:     cfg,
		path:    abs,
		storage: storage,
		reader:  reader,
		shared:  shared,
		logger:  logger,
		env: transaction.Env{
			Reader:    reader,
			Layout:    cfg.IndirectLayout(),
			Shared:    shared,
			Logger:    o.logger,
			Metrics:   metrics,
			Tracer:    tracer,
			StoreName: cfg.Backend,
		},
	}

	exists, err := storage.Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		if s.latest, err = s.loadUber(); err != nil {
			return nil, err
		}
		logger.Info("session opened",
			zap.String("backend", cfg.Backend),
			zap.Uint64("latestRevision", s.LatestRevision()),
			zap.Stringer("pipeline", pipeline))
		return s, nil
	}

	if err := s.bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", abs, err)
	}
	logger.Info("empty store bootstrapped", zap.String("backend", cfg.Backend))
	return s, nil
}

func (s *Session) loadUber() (*page.Page, error) {
	ref, err := s.reader.ReadFirstReference()
	if err != nil {
		return nil, err
	}
	p, err := s.reader.Read(ref.Key())
	if err != nil {
		return nil, err
	}
	if p.Kind() != page.KindUber {
		return nil, dberror.Corrupt(fmt.Sprintf("beacon names a %s page", p.Kind()), nil)
	}
	return p, nil
}

// bootstrap commits revision 0: an empty revision root under a fresh uber
// page.
func (s *Session) bootstrap() error {
	w, err := s.beginWrite()
	if err != nil {
		return err
	}
	return w.Commit(context.Background())
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() config.Config { return s.cfg }

// Path is the absolute storage path.
func (s *Session) Path() string { return s.path }

// Storage exposes the backend, e.g. for a file store backup.
func (s *Session) Storage() backend.Storage { return s.storage }

// LatestRevision is the number of the latest committed revision.
func (s *Session) LatestRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.Uber().RevisionCount - 1
}

// BeginReadTrx opens a read transaction on the given revision, or on the
// latest committed one if none is given.
func (s *Session) BeginReadTrx(revision ...uint64) (*transaction.PageReadTrx, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, dberror.ErrSessionClosed
	}
	uber := s.latest
	s.readers++
	s.mu.Unlock()

	rev := uber.Uber().RevisionCount - 1
	if len(revision) > 0 {
		rev = revision[0]
	}
	r, err := transaction.BeginRead(s.env, uber, rev, s.readerClosed)
	if err != nil {
		s.readerClosed()
		return nil, err
	}
	return r, nil
}

func (s *Session) readerClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers--
}

// BeginWriteTrx starts the write transaction for the next revision. It fails
// with dberror.ErrWriterActive while another write transaction is open.
func (s *Session) BeginWriteTrx() (*transaction.PageWriteTrx, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, dberror.ErrSessionClosed
	}
	return s.beginWrite()
}

func (s *Session) beginWrite() (trx *transaction.PageWriteTrx, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil, dberror.ErrWriterActive
	}

	w, err := s.storage.NewWriter()
	if err != nil {
		return nil, err
	}
	secondary, err := newSecondary(s.cfg)
	if err != nil {
		return nil, multierr.Append(err, w.Close())
	}
	cache, err := pagecache.New(s.cfg.Cache.Capacity, secondary, s.env.Logger.Named("pagecache"))
	if err != nil {
		return nil, multierr.Combine(err, secondary.Close(), w.Close())
	}
	cache.OnEvict = func() {
		s.env.Metrics.CacheEvictionsCounter.Add(context.Background(), 1)
	}

	trx, err = transaction.BeginWrite(s.env, s.latest, transaction.WriteOptions{
		Writer:      w,
		Cache:       cache,
		Parallelism: s.cfg.Commit.Parallelism,
		Published:   s.publish,
		Released:    s.writerReleased,
	})
	if err != nil {
		return nil, multierr.Combine(err, cache.Close(), w.Close())
	}
	s.writer = trx
	return trx, nil
}

func (s *Session) publish(uber *page.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = uber
}

func (s *Session) writerReleased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = nil
}

// Revisions summarises every committed revision, oldest first.
func (s *Session) Revisions() ([]transaction.RevisionInfo, error) {
	latest := s.LatestRevision()
	infos := make([]transaction.RevisionInfo, 0, latest+1)
	for rev := uint64(0); rev <= latest; rev++ {
		r, err := s.BeginReadTrx(rev)
		if err != nil {
			return nil, err
		}
		infos = append(infos, r.Info())
		if err := r.Close(); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// Close aborts an open write transaction, releases the backend and frees
// the storage path for another session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w, readers := s.writer, s.readers
	s.mu.Unlock()

	var err error
	if w != nil {
		if cerr := w.Close(); cerr != nil && !errors.Is(cerr, dberror.ErrTxnInvalidState) {
			err = multierr.Append(err, cerr)
		}
	}
	if readers > 0 {
		s.logger.Warn("closing session with open read transactions", zap.Int("readers", readers))
	}
	s.shared.Close()
	err = multierr.Append(err, s.reader.Close())
	err = multierr.Append(err, s.storage.Close())
	unregister(s.path)
	s.logger.Info("session closed")
	return err
}
