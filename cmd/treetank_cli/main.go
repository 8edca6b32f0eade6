// Command treetank_cli is an interactive shell over a treetank store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/session"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
	"github.com/JohannesLichtenberger/treetank/pkg/logger"
	"github.com/JohannesLichtenberger/treetank/pkg/telemetry"
)

var errQuit = errors.New("quit")

// shell holds at most one write and one read transaction at a time.
type shell struct {
	s   *session.Session
	w   *session.NodeWriteTrx
	r   *session.NodeReadTrx
	out io.Writer
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, `Commands:
  begin                                 start a write transaction
  insert <kind> <parent> [name] [value] insert a node (kinds: document element attribute text namespace)
  set <key> <value>                     replace a node's value
  remove <key>                          remove a node
  commit | abort                        end the write transaction
  open [revision]                       open a read transaction (latest by default)
  get <key>                             show a node (write transaction first, if any)
  parent                                move the read cursor to its parent
  latest | revisions                    revision information
  help | exit`)
}

func parseKind(s string) (page.NodeKind, error) {
	for k := page.NodeKindDocument; k <= page.NodeKindNamespace; k++ {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

func parseKey(s string) (uint64, error) {
	k, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q", s)
	}
	return k, nil
}

func (sh *shell) needWriter() error {
	if sh.w == nil {
		return errors.New("no write transaction, use 'begin'")
	}
	return nil
}

func (sh *shell) show(n *page.Node, name func() (string, error)) error {
	nm, err := name()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "key=%d kind=%s parent=%d", n.Key, n.Kind, n.ParentKey)
	if nm != "" {
		fmt.Fprintf(sh.out, " name=%q", nm)
	}
	if len(n.Value) > 0 {
		fmt.Fprintf(sh.out, " value=%q", n.Value)
	}
	fmt.Fprintln(sh.out)
	return nil
}

func (sh *shell) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "begin":
		if sh.w != nil {
			return fmt.Errorf("write transaction for revision %d already open", sh.w.Revision())
		}
		w, err := sh.s.BeginNodeWriteTrx()
		if err != nil {
			return err
		}
		sh.w = w
		fmt.Fprintf(sh.out, "writing revision %d\n", w.Revision())
	case "insert":
		if err := sh.needWriter(); err != nil {
			return err
		}
		if len(args) < 3 {
			return errors.New("usage: insert <kind> <parent> [name] [value]")
		}
		kind, err := parseKind(args[1])
		if err != nil {
			return err
		}
		parent, err := parseKey(args[2])
		if err != nil {
			return err
		}
		var name string
		var value []byte
		rest := args[3:]
		if kind == page.NodeKindElement || kind == page.NodeKindAttribute || kind == page.NodeKindNamespace {
			if len(rest) == 0 {
				return fmt.Errorf("%s needs a name", kind)
			}
			name, rest = rest[0], rest[1:]
		}
		if len(rest) > 0 {
			value = []byte(strings.Join(rest, " "))
		}
		key, err := sh.w.Insert(kind, parent, name, value)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "inserted %d\n", key)
	case "set":
		if err := sh.needWriter(); err != nil {
			return err
		}
		if len(args) < 3 {
			return errors.New("usage: set <key> <value>")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		return sh.w.SetValue(key, []byte(strings.Join(args[2:], " ")))
	case "remove":
		if err := sh.needWriter(); err != nil {
			return err
		}
		if len(args) != 2 {
			return errors.New("usage: remove <key>")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		return sh.w.Remove(key)
	case "commit":
		if err := sh.needWriter(); err != nil {
			return err
		}
		w := sh.w
		sh.w = nil
		if err := w.Commit(ctx); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "committed revision %d\n", w.Revision())
	case "abort":
		if err := sh.needWriter(); err != nil {
			return err
		}
		w := sh.w
		sh.w = nil
		return w.Abort()
	case "open":
		var revs []uint64
		if len(args) > 1 {
			rev, err := parseKey(args[1])
			if err != nil {
				return err
			}
			revs = append(revs, rev)
		}
		r, err := sh.s.BeginNodeReadTrx(revs...)
		if err != nil {
			return err
		}
		if sh.r != nil {
			sh.r.Close()
		}
		sh.r = r
		fmt.Fprintf(sh.out, "reading revision %d\n", r.Revision())
	case "get":
		if len(args) != 2 {
			return errors.New("usage: get <key>")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		if sh.w != nil {
			ok, err := sh.w.MoveTo(key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("record %d not found", key)
			}
			return sh.show(sh.w.Node(), sh.w.Name)
		}
		if sh.r == nil {
			if err := sh.exec(ctx, []string{"open"}); err != nil {
				return err
			}
		}
		ok, err := sh.r.MoveTo(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %d not found in revision %d", key, sh.r.Revision())
		}
		return sh.show(sh.r.Node(), sh.r.Name)
	case "parent":
		if sh.r == nil {
			return errors.New("no read transaction, use 'open'")
		}
		ok, err := sh.r.MoveToParent()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no parent")
		}
		return sh.show(sh.r.Node(), sh.r.Name)
	case "latest":
		fmt.Fprintf(sh.out, "latest revision %d\n", sh.s.LatestRevision())
	case "revisions":
		infos, err := sh.s.Revisions()
		if err != nil {
			return err
		}
		for _, in := range infos {
			fmt.Fprintf(sh.out, "r%d max_key=%d nodes=%d committed=%s\n", in.Revision, in.MaxNodeKey, in.NodeCount,
				time.Unix(0, in.CommittedAt).UTC().Format(time.RFC3339))
		}
	case "help":
		sh.help()
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help'", args[0])
	}
	return nil
}

func (sh *shell) close() error {
	var err error
	if sh.w != nil {
		err = sh.w.Close()
	}
	if sh.r != nil {
		sh.r.Close()
	}
	return errors.Join(err, sh.s.Close())
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("begin"),
		readline.PcItem("insert",
			readline.PcItem("document"),
			readline.PcItem("element"),
			readline.PcItem("attribute"),
			readline.PcItem("text"),
			readline.PcItem("namespace"),
		),
		readline.PcItem("set"),
		readline.PcItem("remove"),
		readline.PcItem("commit"),
		readline.PcItem("abort"),
		readline.PcItem("open"),
		readline.PcItem("get"),
		readline.PcItem("parent"),
		readline.PcItem("latest"),
		readline.PcItem("revisions"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	path := flag.String("path", "", "storage path, overrides the configuration")
	backendName := flag.String("backend", "", "backend (file, bolt, sqlite), overrides the configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Read(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *path != "" {
		cfg.Path = *path
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	s, err := session.Open(cfg, session.WithLogger(log), session.WithTelemetry(tel))
	if err != nil {
		return err
	}
	sh := &shell{s: s, out: os.Stdout}
	defer func() {
		if err := sh.close(); err != nil {
			log.Error("failed to close session", zap.Error(err))
		}
	}()

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "treetank> ",
		HistoryFile:     filepath.Join(home, ".treetank_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(sh.out, "treetank shell on %s (revision %d). Type 'help' for commands.\n", s.Path(), s.LatestRevision())
	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = sh.exec(ctx, strings.Fields(line))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "treetank_cli: %v\n", err)
		os.Exit(1)
	}
}
