package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/filestore"
	"github.com/JohannesLichtenberger/treetank/core/transaction"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
)

func testConfig(t *testing.T, backendName string) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Backend = backendName
	cfg.Path = filepath.Join(dir, "store."+backendName)
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	return cfg
}

func openSession(t *testing.T, cfg config.Config, opts ...Option) *Session {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := Open(cfg, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return s
}

func text(key uint64, value string) page.Node {
	return page.Node{Key: key, Kind: page.NodeKindText, Value: []byte(value)}
}

func TestSession_InsertThenReadAcrossRevisions(t *testing.T) {
	for _, b := range []string{config.BackendFile, config.BackendBolt, config.BackendSQLite} {
		t.Run(b, func(t *testing.T) {
			cfg := testConfig(t, b)
			s := openSession(t, cfg)
			require.Equal(t, uint64(0), s.LatestRevision())

			w, err := s.BeginWriteTrx()
			require.NoError(t, err)
			require.NoError(t, w.PutRecord(text(5, "inserted")))
			require.NoError(t, w.Commit(context.Background()))
			require.Equal(t, uint64(1), s.LatestRevision())

			r, err := s.BeginReadTrx()
			require.NoError(t, err)
			n, err := r.Record(5)
			require.NoError(t, err)
			require.Equal(t, "inserted", string(n.Value))
			require.NoError(t, r.Close())

			prev, err := s.BeginReadTrx(0)
			require.NoError(t, err)
			ref, err := prev.Dereference(page.PageNumberOf(5))
			require.NoError(t, err)
			require.Nil(t, ref)
			require.NoError(t, prev.Close())
			require.NoError(t, s.Close())

			// Everything survives a reopen.
			s = openSession(t, cfg)
			defer s.Close()
			require.Equal(t, uint64(1), s.LatestRevision())
			r, err = s.BeginReadTrx(1)
			require.NoError(t, err)
			defer r.Close()
			n, err = r.Record(5)
			require.NoError(t, err)
			require.Equal(t, "inserted", string(n.Value))
		})
	}
}

func TestSession_AbortLeavesStoreByteIdentical(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	cfg.Layout.Levels = 2
	s := openSession(t, cfg)
	defer s.Close()

	before, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)

	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	// Page 200 sits at slots [1, 72] of a 128-way, two level trie.
	require.NoError(t, w.PutRecord(text(200*page.NodesPerPage, "touched")))
	ref, err := w.Dereference(200)
	require.NoError(t, err)
	require.True(t, ref.IsDirty())
	require.NoError(t, w.Abort())

	after, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, uint64(0), s.LatestRevision())
}

func TestSession_SingleWriter(t *testing.T) {
	s := openSession(t, testConfig(t, config.BackendFile))
	defer s.Close()

	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	_, err = s.BeginWriteTrx()
	require.ErrorIs(t, err, dberror.ErrWriterActive)
	require.True(t, dberror.IsUsage(err))

	require.NoError(t, w.Commit(context.Background()))
	require.ErrorIs(t, w.Commit(context.Background()), dberror.ErrTxnInvalidState)

	w, err = s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	w, err = s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestSession_DoubleOpen(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	s := openSession(t, cfg)

	_, err := Open(cfg)
	require.ErrorIs(t, err, dberror.ErrSessionAlreadyOpen)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.BeginReadTrx()
	require.ErrorIs(t, err, dberror.ErrSessionClosed)
	_, err = s.BeginWriteTrx()
	require.ErrorIs(t, err, dberror.ErrSessionClosed)

	s = openSession(t, cfg)
	require.NoError(t, s.Close())
}

func TestSession_CloseAbortsWriter(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	s := openSession(t, cfg)
	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.PutRecord(text(1, "pending")))
	require.NoError(t, s.Close())
	require.Equal(t, transaction.StateAborted, w.State())

	s = openSession(t, cfg)
	defer s.Close()
	require.Equal(t, uint64(0), s.LatestRevision())
}

// flakyStorage fails the beacon write of every writer while failPublish is set.
type flakyStorage struct {
	backend.Storage
	failPublish atomic.Bool
}

type flakyWriter struct {
	backend.Writer
	s *flakyStorage
}

func (f *flakyStorage) NewWriter() (backend.Writer, error) {
	w, err := f.Storage.NewWriter()
	if err != nil {
		return nil, err
	}
	return &flakyWriter{Writer: w, s: f}, nil
}

func (w *flakyWriter) WriteFirstReference(ref *page.Reference) error {
	if w.s.failPublish.Load() {
		return dberror.IO("write beacon", errors.New("injected failure"))
	}
	return w.Writer.WriteFirstReference(ref)
}

func TestSession_FailedCommitKeepsLatestRevision(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	store, err := filestore.Open(cfg.Path, backend.Options{Layout: cfg.IndirectLayout()})
	require.NoError(t, err)
	flaky := &flakyStorage{Storage: store}
	s := openSession(t, cfg, WithStorage(flaky))
	defer s.Close()

	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.PutRecord(text(1, "committed")))
	require.NoError(t, w.Commit(context.Background()))

	flaky.failPublish.Store(true)
	w, err = s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.PutRecord(text(1, "lost")))
	err = w.Commit(context.Background())
	require.True(t, dberror.IsIO(err))
	require.Equal(t, transaction.StateAborted, w.State())
	require.Equal(t, uint64(1), s.LatestRevision())

	r, err := s.BeginReadTrx()
	require.NoError(t, err)
	defer r.Close()
	n, err := r.Record(1)
	require.NoError(t, err)
	require.Equal(t, "committed", string(n.Value))

	// The writer slot was released by the failed commit.
	flaky.failPublish.Store(false)
	w, err = s.BeginWriteTrx()
	require.NoError(t, err)
	require.Equal(t, uint64(2), w.Revision())
	require.NoError(t, w.Abort())
}

func TestSession_ConcurrentReadsDuringWrite(t *testing.T) {
	s := openSession(t, testConfig(t, config.BackendFile))
	defer s.Close()

	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	for k := uint64(0); k < 300; k++ {
		require.NoError(t, w.PutRecord(text(k, "v1")))
	}
	require.NoError(t, w.Commit(context.Background()))

	w, err = s.BeginWriteTrx()
	require.NoError(t, err)
	for k := uint64(0); k < 300; k++ {
		require.NoError(t, w.PutRecord(text(k, "v2")))
	}

	before, err := s.BeginReadTrx()
	require.NoError(t, err)
	defer before.Close()

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			r, err := s.BeginReadTrx(1)
			if err != nil {
				return err
			}
			defer r.Close()
			for k := uint64(0); k < 300; k++ {
				n, err := r.Record(k)
				if err != nil {
					return err
				}
				if string(n.Value) != "v1" {
					return fmt.Errorf("record %d: saw %q", k, n.Value)
				}
			}
			return nil
		})
	}
	g.Go(func() error { return w.Commit(context.Background()) })
	require.NoError(t, g.Wait())

	n, err := before.Record(299)
	require.NoError(t, err)
	require.Equal(t, "v1", string(n.Value))

	after, err := s.BeginReadTrx()
	require.NoError(t, err)
	defer after.Close()
	n, err = after.Record(299)
	require.NoError(t, err)
	require.Equal(t, "v2", string(n.Value))
}

func TestSession_MonotonicGrowth(t *testing.T) {
	cfg := testConfig(t, config.BackendBolt)
	cfg.Cache.Capacity = 2
	s := openSession(t, cfg)
	defer s.Close()

	const revisions = 6
	for rev := uint64(1); rev <= revisions; rev++ {
		w, err := s.BeginWriteTrx()
		require.NoError(t, err)
		// Each revision adds a record to a new page.
		require.NoError(t, w.PutRecord(text(rev*page.NodesPerPage, fmt.Sprint(rev))))
		require.NoError(t, w.Commit(context.Background()))
	}

	for rev := uint64(1); rev <= revisions; rev++ {
		r, err := s.BeginReadTrx(rev)
		require.NoError(t, err)
		for k := uint64(1); k <= revisions; k++ {
			ref, err := r.Dereference(k)
			require.NoError(t, err)
			if k <= rev {
				require.NotNil(t, ref, "revision %d lost page %d", rev, k)
			} else {
				require.Nil(t, ref)
			}
		}
		require.Equal(t, uint64(rev), r.NodeCount())
		require.NoError(t, r.Close())
	}

	infos, err := s.Revisions()
	require.NoError(t, err)
	require.Len(t, infos, revisions+1)
	require.Equal(t, int64(-1), infos[0].MaxNodeKey)
	require.Equal(t, int64(revisions*page.NodesPerPage), infos[revisions].MaxNodeKey)
}

func TestSession_SmallCacheWithBoltSpill(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	cfg.Cache.Capacity = 1
	cfg.Cache.Secondary = config.SecondaryBolt
	cfg.Commit.Parallelism = 3
	cfg.Layout = config.LayoutConfig{FanOut: 8, Levels: 3}
	s := openSession(t, cfg)
	defer s.Close()

	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	for p := uint64(0); p < 40; p += 3 {
		require.NoError(t, w.PutRecord(text(p*page.NodesPerPage+1, fmt.Sprint(p))))
	}
	require.NoError(t, w.Commit(context.Background()))

	r, err := s.BeginReadTrx()
	require.NoError(t, err)
	defer r.Close()
	for p := uint64(0); p < 40; p += 3 {
		n, err := r.Record(p*page.NodesPerPage + 1)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(p), string(n.Value))
	}

	// Spill files are removed with the transaction.
	entries, err := os.ReadDir(cfg.Cache.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), "pagecache-"), e.Name())
	}
}

func TestSession_EncryptedCompressedStore(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	cfg.Pipeline = config.PipelineConfig{Compression: "xz", EncryptionKey: strings.Repeat("0f", 32)}
	s := openSession(t, cfg)
	w, err := s.BeginWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.PutRecord(text(3, "secret-value")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-value")

	s = openSession(t, cfg)
	defer s.Close()
	r, err := s.BeginReadTrx()
	require.NoError(t, err)
	defer r.Close()
	n, err := r.Record(3)
	require.NoError(t, err)
	require.Equal(t, "secret-value", string(n.Value))

	require.NoError(t, s.Close())
	cfg.Pipeline.EncryptionKey = strings.Repeat("f0", 32)
	_, err = Open(cfg)
	require.Error(t, err)
}

func TestSession_NodeTransactions(t *testing.T) {
	s := openSession(t, testConfig(t, config.BackendSQLite))
	defer s.Close()

	w, err := s.BeginNodeWriteTrx()
	require.NoError(t, err)
	doc, err := w.Insert(page.NodeKindDocument, 0, "", nil)
	require.NoError(t, err)
	book, err := w.Insert(page.NodeKindElement, doc, "book", nil)
	require.NoError(t, err)
	title, err := w.Insert(page.NodeKindText, book, "", []byte("Dune"))
	require.NoError(t, err)
	require.Equal(t, title, w.Node().Key)
	require.NoError(t, w.SetValue(title, []byte("Dune Messiah")))
	require.NoError(t, w.Commit(context.Background()))

	w, err = s.BeginNodeWriteTrx()
	require.NoError(t, err)
	require.NoError(t, w.Remove(title))
	require.Nil(t, w.Node())
	require.NoError(t, w.Commit(context.Background()))

	r, err := s.BeginNodeReadTrx(1)
	require.NoError(t, err)
	defer r.Close()
	ok, err := r.MoveTo(title)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Dune Messiah", string(r.Node().Value))
	ok, err = r.MoveToParent()
	require.NoError(t, err)
	require.True(t, ok)
	name, err := r.Name()
	require.NoError(t, err)
	require.Equal(t, "book", name)
	ok, err = r.MoveToParent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page.NodeKindDocument, r.Node().Kind)
	ok, err = r.MoveToParent()
	require.NoError(t, err)
	require.False(t, ok)

	latest, err := s.BeginNodeReadTrx()
	require.NoError(t, err)
	defer latest.Close()
	require.Equal(t, uint64(2), latest.Revision())
	ok, err = latest.MoveTo(title)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	cfg.Layout.FanOut = 3
	_, err := Open(cfg)
	require.ErrorIs(t, err, dberror.ErrInvalidConfig)

	// A rejected open does not hold the path.
	cfg.Layout.FanOut = 128
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
