package transaction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
	"github.com/JohannesLichtenberger/treetank/core/write_engine/pagecache"
)

// WriteOptions configure one write transaction.
type WriteOptions struct {
	Writer backend.Writer
	Cache  *pagecache.PageCache
	// Parallelism > 1 commits the top-level node subtrees concurrently.
	Parallelism int
	// Published runs after the new uber page is durable.
	Published func(uber *page.Page)
	// Released runs once when the transaction ends, however it ends.
	Released func()
}

// PageWriteTrx builds the next revision. Only one may be active per session,
// and it must be used from a single goroutine.
type PageWriteTrx struct {
	id     string
	env    Env
	opts   WriteOptions
	loader *loader
	logger *zap.Logger
	sm     stateMachine

	revision uint64
	uber     *page.Page
	root     *page.Page

	releaseOnce sync.Once
}

// BeginWrite starts the revision after last, the uber page of the latest
// committed revision. A nil last bootstraps revision 0 into an empty store.
func BeginWrite(env Env, last *page.Page, opts WriteOptions) (*PageWriteTrx, error) {
	e := env.withDefaults()
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	t := &PageWriteTrx{
		id:     uuid.NewString(),
		env:    e,
		opts:   opts,
		loader: &loader{reader: opts.Writer, shared: e.Shared},
	}

	if last == nil {
		t.uber = page.NewUberPage(0)
		t.root = page.NewRevisionRootPage(0)
	} else {
		t.revision = last.Uber().RevisionCount
		prev, err := revisionRoot(t.loader, e.Layout, last, t.revision-1)
		if err != nil {
			return nil, err
		}
		t.uber = last.Clone(t.revision)
		t.root = prev.Clone(t.revision)
	}
	t.uber.Uber().RevisionCount = t.revision + 1
	t.logger = e.Logger.Named("write-trx").With(zap.String("trxID", t.id), zap.Uint64("revision", t.revision))

	// Hang the new revision root into the revision tree.
	top, err := t.uber.GetOrCreateReference(page.UberRevisionTreeOffset)
	if err != nil {
		return nil, err
	}
	leaf, err := indirect.PrepareLeaf(t, e.Layout, top, t.revision)
	if err != nil {
		return nil, err
	}
	leaf.SetPage(t.root)
	t.logger.Debug("write transaction started")
	return t, nil
}

// ID identifies the transaction in logs.
func (t *PageWriteTrx) ID() string { return t.id }

// Revision is the revision this transaction will commit.
func (t *PageWriteTrx) Revision() uint64 { return t.revision }

func (t *PageWriteTrx) State() State { return t.sm.get() }

func (t *PageWriteTrx) MaxNodeKey() int64 { return t.root.Root().MaxNodeKey }

func (t *PageWriteTrx) NodeCount() uint64 { return t.root.Root().NodeCount }

func (t *PageWriteTrx) active() error {
	if s := t.sm.get(); s != StateActive {
		return fmt.Errorf("%w: transaction is %s", dberror.ErrTxnInvalidState, s)
	}
	return nil
}

// --- Copy-on-write ---

// PrepareIndirect makes the indirect page behind ref writable in this
// revision. A page already cloned by this transaction is returned as is; a
// committed one is cloned; an empty reference gets a fresh page.
func (t *PageWriteTrx) PrepareIndirect(ref *page.Reference) (*page.Page, error) {
	if p := ref.Page(); p != nil && !ref.IsCommitted() {
		return p, nil
	}
	if ref.IsCommitted() {
		p, err := loadKind(t.loader, ref, page.KindIndirect)
		if err != nil {
			return nil, err
		}
		t.logger.Debug("cloning indirect page", zap.Stringer("from", ref.Key()))
		c := p.Clone(t.revision)
		ref.SetPage(c)
		return c, nil
	}
	p := page.NewIndirectPage(t.env.Layout.FanOut, t.revision)
	ref.SetPage(p)
	return p, nil
}

// Load resolves references as this transaction sees them: leaf pages being
// modified come from the page cache, everything else from storage.
func (t *PageWriteTrx) Load(ref *page.Reference) (*page.Page, error) {
	if ref == nil {
		return nil, nil
	}
	if id, ok := ref.LogicalID(); ok {
		c, err := t.opts.Cache.Get(id)
		if err != nil {
			return nil, err
		}
		if c == nil || c.Modified == nil {
			return nil, fmt.Errorf("page cache lost modified page %d", id)
		}
		return c.Modified, nil
	}
	return t.loader.Load(ref)
}

// prepareNodePage returns the writable container of node page pageNumber.
// The leaf reference is switched to the page's logical id, so the page
// itself lives only in the cache until commit.
func (t *PageWriteTrx) prepareNodePage(pageNumber uint64) (*pagecache.Container, error) {
	top, err := t.root.GetOrCreateReference(page.RootNodeTreeOffset)
	if err != nil {
		return nil, err
	}
	leaf, err := indirect.PrepareLeaf(t, t.env.Layout, top, pageNumber)
	if err != nil {
		return nil, err
	}
	if id, ok := leaf.LogicalID(); ok {
		c, err := t.opts.Cache.Get(id)
		if err != nil {
			return nil, err
		}
		if c == nil || c.Modified == nil {
			return nil, fmt.Errorf("page cache lost modified page %d", id)
		}
		return c, nil
	}

	c := &pagecache.Container{}
	if leaf.IsCommitted() {
		committed, err := loadKind(t.loader, leaf, page.KindNode)
		if err != nil {
			return nil, err
		}
		c.Committed = committed
		c.Modified = committed.Clone(t.revision)
	} else {
		c.Modified = page.NewNodePage(pageNumber, t.revision)
	}
	leaf.SetLogicalID(pageNumber)
	if err := t.opts.Cache.Put(pageNumber, c); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Records ---

// CreateRecord stores n under the next free key and returns that key.
func (t *PageWriteTrx) CreateRecord(n page.Node) (uint64, error) {
	n.Key = uint64(t.root.Root().MaxNodeKey + 1)
	if err := t.PutRecord(n); err != nil {
		return 0, err
	}
	return n.Key, nil
}

// PutRecord stores n under n.Key, replacing any record there.
func (t *PageWriteTrx) PutRecord(n page.Node) error {
	if err := t.active(); err != nil {
		return err
	}
	if n.IsDeleted() {
		return fmt.Errorf("%w: use RemoveRecord to delete %d", dberror.ErrUsage, n.Key)
	}
	pageNumber := page.PageNumberOf(n.Key)
	if err := t.env.Layout.Check(pageNumber); err != nil {
		return err
	}
	c, err := t.prepareNodePage(pageNumber)
	if err != nil {
		return err
	}
	slot := page.SlotOf(n.Key)
	rb := t.root.Root()
	if prev := c.Modified.Node().Record(slot); prev == nil || prev.IsDeleted() {
		rb.NodeCount++
	}
	n.Value = append([]byte(nil), n.Value...)
	c.Modified.Node().SetRecord(slot, &n)
	if int64(n.Key) > rb.MaxNodeKey {
		rb.MaxNodeKey = int64(n.Key)
	}
	// Re-put: the container may have been spilled while it was prepared.
	return t.opts.Cache.Put(pageNumber, c)
}

// RemoveRecord replaces the record under key with a tombstone.
func (t *PageWriteTrx) RemoveRecord(key uint64) error {
	if err := t.active(); err != nil {
		return err
	}
	if _, err := t.Record(key); err != nil {
		return err
	}
	pageNumber := page.PageNumberOf(key)
	c, err := t.prepareNodePage(pageNumber)
	if err != nil {
		return err
	}
	c.Modified.Node().SetRecord(page.SlotOf(key), &page.Node{Key: key, Kind: page.NodeKindDeleted})
	t.root.Root().NodeCount--
	return t.opts.Cache.Put(pageNumber, c)
}

// Dereference returns the reference to node page pageNumber as this
// transaction sees it, or nil if it is unallocated.
func (t *PageWriteTrx) Dereference(pageNumber uint64) (*page.Reference, error) {
	top, err := t.root.PeekReference(page.RootNodeTreeOffset)
	if err != nil {
		return nil, err
	}
	return indirect.Dereference(t, t.env.Layout, top, pageNumber)
}

// Record returns the record under key including this transaction's changes.
func (t *PageWriteTrx) Record(key uint64) (*page.Node, error) {
	if s := t.sm.get(); s == StateAborted {
		return nil, fmt.Errorf("%w: transaction is %s", dberror.ErrTxnInvalidState, s)
	}
	ref, err := t.Dereference(page.PageNumberOf(key))
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return recordOf(nil, key)
	}
	p, err := t.Load(ref)
	if err != nil {
		return nil, err
	}
	return recordOf(p, key)
}

// --- Names ---

func (t *PageWriteTrx) prepareNamePage() (*page.Page, error) {
	ref, err := t.root.GetOrCreateReference(page.RootNamePageOffset)
	if err != nil {
		return nil, err
	}
	if p := ref.Page(); p != nil && !ref.IsCommitted() {
		return p, nil
	}
	var p *page.Page
	if ref.IsCommitted() {
		committed, err := loadKind(t.loader, ref, page.KindName)
		if err != nil {
			return nil, err
		}
		p = committed.Clone(t.revision)
	} else {
		p = page.NewNamePage(t.revision)
	}
	ref.SetPage(p)
	return p, nil
}

// CreateNameKey interns name and returns its key.
func (t *PageWriteTrx) CreateNameKey(name string) (int32, error) {
	if err := t.active(); err != nil {
		return 0, err
	}
	p, err := t.prepareNamePage()
	if err != nil {
		return 0, err
	}
	return p.Names().Add(name), nil
}

// Name resolves a name key including names interned by this transaction.
func (t *PageWriteTrx) Name(key int32) (string, error) {
	ref, err := t.root.PeekReference(page.RootNamePageOffset)
	if err != nil {
		return "", err
	}
	p, err := t.Load(ref)
	if err != nil {
		return "", err
	}
	return nameOf(p, key)
}

// --- Ending ---

// Abort discards every change. Nothing was written to storage, so the store
// is left exactly as it was.
func (t *PageWriteTrx) Abort() error {
	if err := t.sm.transition(StateActive, StateAborted); err != nil {
		return err
	}
	t.logger.Info("write transaction aborted")
	return t.release()
}

// Close aborts an active transaction and releases it otherwise.
func (t *PageWriteTrx) Close() error {
	if t.sm.get() == StateActive {
		t.logger.Warn("closing active write transaction, changes are discarded")
		return t.Abort()
	}
	return t.release()
}

func (t *PageWriteTrx) release() error {
	var err error
	t.releaseOnce.Do(func() {
		err = t.opts.Cache.Close()
		if cerr := t.opts.Writer.Close(); err == nil {
			err = cerr
		}
		if t.opts.Released != nil {
			t.opts.Released()
		}
	})
	return err
}
