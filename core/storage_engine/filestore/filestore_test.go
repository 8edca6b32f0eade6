package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
)

func testOptions(t *testing.T) backend.Options {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return backend.Options{Layout: indirect.DefaultLayout(), Logger: logger}
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, testOptions(t))
	require.NoError(t, err)
	return s
}

func writeUber(t *testing.T, w backend.Writer, revisions uint64) *page.Reference {
	t.Helper()
	uber := page.NewUberPage(revisions - 1)
	uber.Uber().RevisionCount = revisions
	key, err := w.Write(uber)
	require.NoError(t, err)
	ref := page.NewCommittedReference(key)
	require.NoError(t, w.WriteFirstReference(ref))
	return ref
}

func TestStore_EmptyThenBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tt.data")
	s := openStore(t, path)

	ok, err := s.Exists()
	require.NoError(t, err)
	require.False(t, ok)

	r, err := s.NewReader()
	require.NoError(t, err)
	_, err = r.ReadFirstReference()
	require.ErrorIs(t, err, dberror.ErrEmptyStorage)

	w, err := s.NewWriter()
	require.NoError(t, err)
	ref := writeUber(t, w, 1)
	require.NoError(t, w.Close())

	first, err := r.ReadFirstReference()
	require.NoError(t, err)
	require.Equal(t, ref.Key(), first.Key())
	require.NoError(t, s.Close())

	// Reopen and read back.
	s = openStore(t, path)
	defer s.Close()
	ok, err = s.Exists()
	require.NoError(t, err)
	require.True(t, ok)
	r, err = s.NewReader()
	require.NoError(t, err)
	first, err = r.ReadFirstReference()
	require.NoError(t, err)
	p, err := r.Read(first.Key())
	require.NoError(t, err)
	require.Equal(t, page.KindUber, p.Kind())
	require.Equal(t, uint64(1), p.Uber().RevisionCount)
}

func TestStore_SingleWriter(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tt.data"))
	defer s.Close()
	w, err := s.NewWriter()
	require.NoError(t, err)
	_, err = s.NewWriter()
	require.ErrorIs(t, err, dberror.ErrWriterActive)
	require.NoError(t, w.Close())
	w, err = s.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestStore_BeaconAlternatesAndSurvivesTornSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tt.data")
	s := openStore(t, path)
	w, err := s.NewWriter()
	require.NoError(t, err)
	first := writeUber(t, w, 1)
	second := writeUber(t, w, 2)
	require.NoError(t, w.Close())
	require.Equal(t, 1, s.activeSlot)
	require.NoError(t, s.Close())

	// Tear the newest beacon (slot 1): the previous revision must win.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, beaconSlotSize+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, path)
	defer s.Close()
	r, err := s.NewReader()
	require.NoError(t, err)
	ref, err := r.ReadFirstReference()
	require.NoError(t, err)
	require.Equal(t, first.Key(), ref.Key())
	require.NotEqual(t, second.Key(), ref.Key())
}

func TestStore_DetectsCorruptPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tt.data")
	s := openStore(t, path)
	w, err := s.NewWriter()
	require.NoError(t, err)
	ref := writeUber(t, w, 3)
	require.NoError(t, w.Close())
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(ref.Key().ID)+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, path)
	defer s.Close()
	r, err := s.NewReader()
	require.NoError(t, err)
	_, err = r.Read(ref.Key())
	require.ErrorIs(t, err, dberror.ErrChecksumMismatch)
	require.True(t, dberror.IsCorruption(err))

	beyond := page.Key{ID: uint64(s.Size()) + 100, Length: 10}
	_, err = r.Read(beyond)
	require.True(t, dberror.IsCorruption(err))
}

func TestStore_LayoutMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tt.data")
	s := openStore(t, path)
	w, err := s.NewWriter()
	require.NoError(t, err)
	writeUber(t, w, 1)
	require.NoError(t, w.Close())
	require.NoError(t, s.Close())

	opts := testOptions(t)
	opts.Layout = indirect.Layout{FanOut: 64, Levels: 4}
	_, err = Open(path, opts)
	require.ErrorIs(t, err, dberror.ErrLayoutMismatch)
}

func TestStore_Backup(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, filepath.Join(dir, "tt.data"))
	w, err := s.NewWriter()
	require.NoError(t, err)
	ref := writeUber(t, w, 5)
	require.NoError(t, w.Close())

	dst := filepath.Join(dir, "backup.data")
	require.NoError(t, s.Backup(context.Background(), dst, 1<<20))
	require.NoError(t, s.Close())

	b := openStore(t, dst)
	defer b.Close()
	r, err := b.NewReader()
	require.NoError(t, err)
	first, err := r.ReadFirstReference()
	require.NoError(t, err)
	require.Equal(t, ref.Key(), first.Key())
	p, err := r.Read(first.Key())
	require.NoError(t, err)
	require.Equal(t, uint64(5), p.Uber().RevisionCount)
}
