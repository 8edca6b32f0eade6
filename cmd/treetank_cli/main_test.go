package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JohannesLichtenberger/treetank/core/session"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Path = filepath.Join(dir, "cli.data")
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	s, err := session.Open(cfg)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	sh := &shell{s: s, out: out}
	t.Cleanup(func() { sh.close() })
	return sh, out
}

func do(t *testing.T, sh *shell, line string) {
	t.Helper()
	require.NoError(t, sh.exec(context.Background(), strings.Fields(line)))
}

func TestShell_WriteAndRead(t *testing.T) {
	sh, out := newShell(t)
	do(t, sh, "begin")
	do(t, sh, "insert document 0")
	do(t, sh, "insert element 0 book")
	do(t, sh, "insert text 1 The Left Hand of Darkness")
	do(t, sh, "get 2")
	require.Contains(t, out.String(), `value="The Left Hand of Darkness"`)
	do(t, sh, "commit")
	require.Contains(t, out.String(), "committed revision 1")

	out.Reset()
	do(t, sh, "get 1")
	require.Contains(t, out.String(), "reading revision 1")
	require.Contains(t, out.String(), `name="book"`)
	do(t, sh, "parent")
	require.Contains(t, out.String(), "kind=document")

	out.Reset()
	do(t, sh, "revisions")
	require.Contains(t, out.String(), "r0 max_key=-1 nodes=0")
	require.Contains(t, out.String(), "r1 max_key=2 nodes=3")
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()
	require.Error(t, sh.exec(ctx, []string{"insert", "text", "0"}))
	require.Error(t, sh.exec(ctx, []string{"bogus"}))
	require.ErrorIs(t, sh.exec(ctx, []string{"quit"}), errQuit)

	do(t, sh, "begin")
	require.Error(t, sh.exec(ctx, []string{"begin"}))
	require.Error(t, sh.exec(ctx, []string{"insert", "element", "0"}))
	require.Error(t, sh.exec(ctx, []string{"insert", "widget", "0"}))
	require.Error(t, sh.exec(ctx, []string{"get", "9"}))
	do(t, sh, "abort")
	require.Equal(t, uint64(0), sh.s.LatestRevision())
}
