// Command treetank_inspect reports on a treetank store: its revisions, single
// records, and file store backups.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/session"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/filestore"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
	"github.com/JohannesLichtenberger/treetank/pkg/logger"
)

// CLI defines the command-line interface.
var CLI struct {
	Config  string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	Path    string `name:"path" help:"Storage path, overrides the configuration"`
	Backend string `name:"backend" help:"Backend (file, bolt, sqlite), overrides the configuration"`

	Revisions RevisionsCmd `cmd:"" help:"List committed revisions"`
	Record    RecordCmd    `cmd:"" help:"Print one record"`
	Backup    BackupCmd    `cmd:"" help:"Copy a file store to another path"`
}

// globals is what every command needs to open the store.
type globals struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
}

func (g *globals) open() (*session.Session, error) {
	return session.Open(g.cfg, session.WithLogger(g.logger))
}

type RevisionsCmd struct{}

func (c *RevisionsCmd) Run(g *globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()
	infos, err := s.Revisions()
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "%-9s %-12s %-10s %s\n", "REVISION", "MAX_KEY", "NODES", "COMMITTED")
	for _, in := range infos {
		fmt.Fprintf(g.out, "%-9d %-12d %-10d %s\n", in.Revision, in.MaxNodeKey, in.NodeCount,
			time.Unix(0, in.CommittedAt).UTC().Format(time.RFC3339))
	}
	return nil
}

type RecordCmd struct {
	Key      uint64 `arg:"" help:"Record key"`
	Revision int64  `name:"revision" short:"r" help:"Revision to read, latest by default" default:"-1"`
}

func (c *RecordCmd) Run(g *globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()
	var revs []uint64
	if c.Revision >= 0 {
		revs = append(revs, uint64(c.Revision))
	}
	r, err := s.BeginNodeReadTrx(revs...)
	if err != nil {
		return err
	}
	defer r.Close()
	ok, err := r.MoveTo(c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %d not found in revision %d", c.Key, r.Revision())
	}
	return printNode(g.out, r.Node(), r.Name)
}

func printNode(out io.Writer, n *page.Node, name func() (string, error)) error {
	nm, err := name()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "key=%d kind=%s parent=%d", n.Key, n.Kind, n.ParentKey)
	if nm != "" {
		fmt.Fprintf(out, " name=%q", nm)
	}
	if len(n.Value) > 0 {
		fmt.Fprintf(out, " value=%q", n.Value)
	}
	fmt.Fprintln(out)
	return nil
}

type BackupCmd struct {
	Destination string `arg:"" help:"Backup file path" type:"path"`
	Rate        int64  `name:"rate" help:"Throughput limit in bytes per second, 0 for unlimited" default:"0"`
}

func (c *BackupCmd) Run(g *globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer s.Close()
	fs, ok := s.Storage().(*filestore.Store)
	if !ok {
		return errors.New("backup is only supported for the file backend")
	}
	if err := fs.Backup(context.Background(), c.Destination, c.Rate); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "backed up revision %d to %s\n", s.LatestRevision(), c.Destination)
	return nil
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if CLI.Config != "" {
		loaded, err := config.Read(CLI.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if CLI.Path != "" {
		cfg.Path = CLI.Path
	}
	if CLI.Backend != "" {
		cfg.Backend = CLI.Backend
	}
	return cfg, cfg.Validate()
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("treetank_inspect"),
		kong.Description("Inspect a treetank store"),
		kong.UsageOnError(),
	)
	cfg, err := loadConfig()
	ctx.FatalIfErrorf(err)
	log, err := logger.New(cfg.Logger)
	ctx.FatalIfErrorf(err)
	defer log.Sync()

	err = ctx.Run(&globals{cfg: cfg, logger: log, out: os.Stdout})
	ctx.FatalIfErrorf(err)
}
