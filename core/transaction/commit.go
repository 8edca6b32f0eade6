package transaction

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JohannesLichtenberger/treetank/core/page"
)

// committer writes dirty pages bottom-up. It implements page.Committer, so
// Page.Commit recurses through it.
type committer struct {
	ctx   context.Context
	trx   *PageWriteTrx
	pages atomic.Int64
}

// CommitReference persists the subtree below ref. Clean references are
// skipped; a dirty one has its children committed first, then its own page
// written, then its key recorded. The in-memory page is handed to the shared
// cache and dropped from the reference.
func (c *committer) CommitReference(ref *page.Reference) error {
	if !ref.IsDirty() {
		return nil
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	p, err := c.trx.Load(ref)
	if err != nil {
		return err
	}
	if err := p.Commit(c); err != nil {
		return err
	}
	key, err := c.trx.opts.Writer.Write(p)
	if err != nil {
		return err
	}
	ref.SetKey(key)
	ref.DropPage()
	if c.trx.env.Shared != nil {
		c.trx.env.Shared.Add(key, p)
	}
	c.pages.Add(1)
	return nil
}

// commitFanOut commits the subtree below ref with up to parallelism
// concurrent writers. It follows single dirty indirect children down the
// trie until it reaches a page with several dirty children, or the level
// just above the node pages, and commits those children concurrently before
// writing the path back up.
func (c *committer) commitFanOut(ref *page.Reference, parallelism int) error {
	if ref == nil || !ref.IsDirty() {
		return nil
	}
	p, err := c.trx.Load(ref)
	if err != nil {
		return err
	}
	dirty := p.DirtyReferences()
	if len(dirty) == 1 {
		if child := dirty[0].Page(); child != nil && child.Kind() == page.KindIndirect {
			if err := c.commitFanOut(dirty[0], parallelism); err != nil {
				return err
			}
			return c.CommitReference(ref)
		}
	}

	g, gctx := errgroup.WithContext(c.ctx)
	g.SetLimit(parallelism)
	sub := &committer{ctx: gctx, trx: c.trx}
	for _, child := range dirty {
		g.Go(func() error { return sub.CommitReference(child) })
	}
	err = g.Wait()
	c.pages.Add(sub.pages.Load())
	if err != nil {
		return err
	}
	return c.CommitReference(ref)
}

// Commit makes the transaction's revision durable and current. The node
// subtree is written first, then the name page and revision root, then the
// revision-tree path, then the uber page; only after every page is written
// does the beacon switch to the new uber page. A failure at any point aborts
// the transaction and leaves the previously committed revision current.
func (t *PageWriteTrx) Commit(ctx context.Context) (err error) {
	if err := t.sm.transition(StateActive, StateCommitting); err != nil {
		return err
	}
	ctx, span := t.env.Tracer.Start(ctx, "treetank.commit", trace.WithAttributes(
		attribute.Int64("revision", int64(t.revision)),
		attribute.String("trx.id", t.id),
	))
	started := time.Now()
	c := &committer{ctx: ctx, trx: t}

	defer func() {
		pages := int(c.pages.Load())
		t.env.Metrics.RecordCommit(ctx, t.env.StoreName, started, pages, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.sm.transition(StateCommitting, StateAborted)
			t.logger.Error("commit failed, transaction aborted", zap.Error(err))
		} else {
			span.SetAttributes(attribute.Int("pages.written", pages))
			t.sm.transition(StateCommitting, StateCommitted)
			t.logger.Info("revision committed",
				zap.Int("pagesWritten", pages),
				zap.Int64("maxNodeKey", t.root.Root().MaxNodeKey),
				zap.Uint64("nodeCount", t.root.Root().NodeCount),
				zap.Duration("took", time.Since(started)))
		}
		span.End()
		if rerr := t.release(); err == nil && rerr != nil {
			t.logger.Warn("failed to release write transaction", zap.Error(rerr))
		}
	}()

	t.root.Root().CommittedAt = time.Now().UnixNano()

	if t.opts.Parallelism > 1 {
		top, err := t.root.PeekReference(page.RootNodeTreeOffset)
		if err != nil {
			return err
		}
		if err := c.commitFanOut(top, t.opts.Parallelism); err != nil {
			return fmt.Errorf("commit node tree: %w", err)
		}
	}

	uberRef := page.NewReferenceTo(t.uber)
	if err := c.CommitReference(uberRef); err != nil {
		return fmt.Errorf("commit revision %d: %w", t.revision, err)
	}
	if err := t.opts.Writer.WriteFirstReference(uberRef); err != nil {
		return fmt.Errorf("publish revision %d: %w", t.revision, err)
	}

	// Every cached leaf is durable now; the committed copies are served by
	// key from here on.
	if err := t.opts.Cache.Clear(); err != nil {
		t.logger.Warn("failed to clear page cache", zap.Error(err))
	}
	if t.opts.Published != nil {
		t.opts.Published(t.uber)
	}
	return nil
}
