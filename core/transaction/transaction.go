// Package transaction implements page-level read and write transactions over
// one revision of a page tree.
//
// A read transaction is bound to the RevisionRootPage of a committed
// revision and never modifies a page it did not create. A write transaction
// builds the next revision copy-on-write: indirect pages are cloned on the
// way down to a leaf, leaf node pages live in the transaction's page cache,
// and Commit writes the modified subtree bottom-up before publishing the new
// uber page.
package transaction

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
	"github.com/JohannesLichtenberger/treetank/core/write_engine/pagecache"
	internaltelemetry "github.com/JohannesLichtenberger/treetank/internal/telemetry"
)

// State is the lifecycle state of a write transaction.
type State int

const (
	StateActive     State = iota // accepting modifications
	StateCommitting              // commit in progress
	StateCommitted               // new revision published
	StateAborted                 // discarded, explicitly or by a failed commit
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateMachine guards the legal transitions of a write transaction.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves from `from` to `to`, failing if the current state differs.
func (m *stateMachine) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s, expected %s", dberror.ErrTxnInvalidState, m.state, from)
	}
	m.state = to
	return nil
}

// Env bundles what every transaction of one session shares.
type Env struct {
	Reader    backend.Reader
	Layout    indirect.Layout
	Shared    *pagecache.SharedPages
	Logger    *zap.Logger
	Metrics   *internaltelemetry.StorageMetrics
	Tracer    trace.Tracer
	StoreName string
}

func (e *Env) withDefaults() Env {
	c := *e
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = internaltelemetry.NoopStorageMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return c
}

// --- Loading ---

// loader resolves references to committed pages through the session-wide
// shared cache. It never modifies a reference.
type loader struct {
	reader backend.Reader
	shared *pagecache.SharedPages
}

func (l *loader) Load(ref *page.Reference) (*page.Page, error) {
	if ref == nil || ref.IsEmpty() {
		return nil, nil
	}
	if p := ref.Page(); p != nil {
		return p, nil
	}
	if !ref.IsCommitted() {
		return nil, fmt.Errorf("%w: reference has neither page nor key", dberror.ErrTxnInvalidState)
	}
	key := ref.Key()
	if l.shared != nil {
		if p, ok := l.shared.Get(key); ok {
			return p, nil
		}
	}
	p, err := l.reader.Read(key)
	if err != nil {
		return nil, err
	}
	if l.shared != nil {
		l.shared.Add(key, p)
	}
	return p, nil
}

// loadKind loads ref and checks the page kind.
func loadKind(ld indirect.Loader, ref *page.Reference, kind page.Kind) (*page.Page, error) {
	p, err := ld.Load(ref)
	if err != nil || p == nil {
		return p, err
	}
	if p.Kind() != kind {
		return nil, dberror.Corrupt(fmt.Sprintf("%s: expected %s page, found %s", ref.Key(), kind, p.Kind()), nil)
	}
	return p, nil
}

// revisionRoot locates the RevisionRootPage of revision in the revision
// tree below uber.
func revisionRoot(ld indirect.Loader, l indirect.Layout, uber *page.Page, revision uint64) (*page.Page, error) {
	if revision >= uber.Uber().RevisionCount {
		return nil, fmt.Errorf("%w: %d (latest is %d)", dberror.ErrRevisionNotFound, revision, uber.Uber().RevisionCount-1)
	}
	top, err := uber.PeekReference(page.UberRevisionTreeOffset)
	if err != nil {
		return nil, err
	}
	ref, err := indirect.Dereference(ld, l, top, revision)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, dberror.Corrupt(fmt.Sprintf("revision %d missing from revision tree", revision), nil)
	}
	return loadKind(ld, ref, page.KindRevisionRoot)
}

// RevisionInfo summarises one committed revision.
type RevisionInfo struct {
	Revision    uint64
	MaxNodeKey  int64
	NodeCount   uint64
	CommittedAt int64
}

func infoOf(root *page.Page) RevisionInfo {
	rb := root.Root()
	return RevisionInfo{
		Revision:    root.Revision(),
		MaxNodeKey:  rb.MaxNodeKey,
		NodeCount:   rb.NodeCount,
		CommittedAt: rb.CommittedAt,
	}
}

// recordOf picks key's slot out of a node page.
func recordOf(p *page.Page, key uint64) (*page.Node, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: %d", dberror.ErrRecordNotFound, key)
	}
	if p.Kind() != page.KindNode {
		return nil, dberror.Corrupt(fmt.Sprintf("record %d: expected node page, found %s", key, p.Kind()), nil)
	}
	n := p.Node().Record(page.SlotOf(key))
	if n == nil || n.IsDeleted() {
		return nil, fmt.Errorf("%w: %d", dberror.ErrRecordNotFound, key)
	}
	return n, nil
}

func nameOf(p *page.Page, key int32) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: name %d", dberror.ErrRecordNotFound, key)
	}
	s, ok := p.Names().Name(key)
	if !ok {
		return "", fmt.Errorf("%w: name %d", dberror.ErrRecordNotFound, key)
	}
	return s, nil
}
