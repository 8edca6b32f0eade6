package transaction

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
)

// PageReadTrx reads one committed revision. It is not safe for concurrent
// use, but any number of read transactions may run alongside each other and
// alongside the session's write transaction.
type PageReadTrx struct {
	env    Env
	loader *loader
	root   *page.Page

	mu      sync.Mutex
	closed  bool
	onClose func()
}

// BeginRead opens a read transaction on revision of the tree rooted at uber.
// onClose, if non-nil, runs once when the transaction is closed.
func BeginRead(env Env, uber *page.Page, revision uint64, onClose func()) (*PageReadTrx, error) {
	e := env.withDefaults()
	ld := &loader{reader: e.Reader, shared: e.Shared}
	root, err := revisionRoot(ld, e.Layout, uber, revision)
	if err != nil {
		return nil, err
	}
	e.Metrics.ActiveReadersCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("store", e.StoreName)))
	return &PageReadTrx{env: e, loader: ld, root: root, onClose: onClose}, nil
}

func (t *PageReadTrx) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return dberror.ErrTxnInvalidState
	}
	return nil
}

// Revision is the revision this transaction is bound to.
func (t *PageReadTrx) Revision() uint64 { return t.root.Revision() }

func (t *PageReadTrx) MaxNodeKey() int64 { return t.root.Root().MaxNodeKey }

func (t *PageReadTrx) NodeCount() uint64 { return t.root.Root().NodeCount }

func (t *PageReadTrx) Info() RevisionInfo { return infoOf(t.root) }

// Dereference returns the reference to the node page with the given page
// number, or nil if the revision never allocated it.
func (t *PageReadTrx) Dereference(pageNumber uint64) (*page.Reference, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	top, err := t.root.PeekReference(page.RootNodeTreeOffset)
	if err != nil {
		return nil, err
	}
	return indirect.Dereference(t.loader, t.env.Layout, top, pageNumber)
}

// Record returns the record stored under key. Records that were never
// written, or were removed, yield dberror.ErrRecordNotFound.
func (t *PageReadTrx) Record(key uint64) (*page.Node, error) {
	ref, err := t.Dereference(page.PageNumberOf(key))
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return recordOf(nil, key)
	}
	p, err := loadKind(t.loader, ref, page.KindNode)
	if err != nil {
		return nil, err
	}
	return recordOf(p, key)
}

// Name resolves an interned name key.
func (t *PageReadTrx) Name(key int32) (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	ref, err := t.root.PeekReference(page.RootNamePageOffset)
	if err != nil {
		return "", err
	}
	p, err := loadKind(t.loader, ref, page.KindName)
	if err != nil {
		return "", err
	}
	return nameOf(p, key)
}

// Close releases the transaction. Closing twice is a no-op.
func (t *PageReadTrx) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.env.Metrics.ActiveReadersCounter.Add(context.Background(), -1, metric.WithAttributes(attribute.String("store", t.env.StoreName)))
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}
