package session

import (
	"context"
	"errors"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/transaction"
)

// recordReader is what a node cursor needs from a page transaction.
type recordReader interface {
	Record(key uint64) (*page.Node, error)
	Name(key int32) (string, error)
}

// cursor tracks the current node of a node-level transaction.
type cursor struct {
	src     recordReader
	current *page.Node
}

// MoveTo makes the record under key current. It reports false, leaving the
// cursor where it was, if there is no such record.
func (c *cursor) MoveTo(key uint64) (bool, error) {
	n, err := c.src.Record(key)
	if errors.Is(err, dberror.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.current = n
	return true, nil
}

// MoveToParent moves to the parent of the current node.
func (c *cursor) MoveToParent() (bool, error) {
	if c.current == nil || c.current.Kind == page.NodeKindDocument {
		return false, nil
	}
	return c.MoveTo(c.current.ParentKey)
}

// Node returns the current node, nil before the first successful move.
func (c *cursor) Node() *page.Node { return c.current }

// Name returns the name of the current element or attribute, "" for other
// kinds.
func (c *cursor) Name() (string, error) {
	if c.current == nil {
		return "", nil
	}
	switch c.current.Kind {
	case page.NodeKindElement, page.NodeKindAttribute, page.NodeKindNamespace:
		return c.src.Name(c.current.NameKey)
	default:
		return "", nil
	}
}

// NodeReadTrx navigates the records of one revision.
type NodeReadTrx struct {
	cursor
	trx *transaction.PageReadTrx
}

// BeginNodeReadTrx is BeginReadTrx with a node cursor on top.
func (s *Session) BeginNodeReadTrx(revision ...uint64) (*NodeReadTrx, error) {
	trx, err := s.BeginReadTrx(revision...)
	if err != nil {
		return nil, err
	}
	return &NodeReadTrx{cursor: cursor{src: trx}, trx: trx}, nil
}

func (r *NodeReadTrx) Revision() uint64 { return r.trx.Revision() }

func (r *NodeReadTrx) Close() error { return r.trx.Close() }

// NodeWriteTrx edits the records of the next revision.
type NodeWriteTrx struct {
	cursor
	trx *transaction.PageWriteTrx
}

// BeginNodeWriteTrx is BeginWriteTrx with a node cursor on top.
func (s *Session) BeginNodeWriteTrx() (*NodeWriteTrx, error) {
	trx, err := s.BeginWriteTrx()
	if err != nil {
		return nil, err
	}
	return &NodeWriteTrx{cursor: cursor{src: trx}, trx: trx}, nil
}

func (w *NodeWriteTrx) Revision() uint64 { return w.trx.Revision() }

// Insert creates a node under parent and moves to it. name is interned for
// elements, attributes and namespaces.
func (w *NodeWriteTrx) Insert(kind page.NodeKind, parent uint64, name string, value []byte) (uint64, error) {
	n := page.Node{Kind: kind, ParentKey: parent, Value: value}
	if name != "" {
		key, err := w.trx.CreateNameKey(name)
		if err != nil {
			return 0, err
		}
		n.NameKey = key
	}
	key, err := w.trx.CreateRecord(n)
	if err != nil {
		return 0, err
	}
	if _, err := w.MoveTo(key); err != nil {
		return 0, err
	}
	return key, nil
}

// Remove tombstones the node under key.
func (w *NodeWriteTrx) Remove(key uint64) error {
	if err := w.trx.RemoveRecord(key); err != nil {
		return err
	}
	if w.current != nil && w.current.Key == key {
		w.current = nil
	}
	return nil
}

// SetValue replaces the value of the node under key.
func (w *NodeWriteTrx) SetValue(key uint64, value []byte) error {
	n, err := w.trx.Record(key)
	if err != nil {
		return err
	}
	updated := *n
	updated.Value = value
	if err := w.trx.PutRecord(updated); err != nil {
		return err
	}
	_, err = w.MoveTo(key)
	return err
}

func (w *NodeWriteTrx) Commit(ctx context.Context) error { return w.trx.Commit(ctx) }

func (w *NodeWriteTrx) Abort() error { return w.trx.Abort() }

func (w *NodeWriteTrx) Close() error { return w.trx.Close() }
