// Package backend defines the durable storage contract consumed by the
// transaction layer, and the pieces every concrete store shares: the beacon
// record that names the current uber page, and page (de)serialization.
package backend

import (
	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/bytepipe"
)

// Reader reads committed pages. Implementations are safe for concurrent use.
type Reader interface {
	// Read loads the page stored under key.
	Read(key page.Key) (*page.Page, error)
	// ReadFirstReference returns the committed reference to the current uber
	// page, or dberror.ErrEmptyStorage for a store that was never bootstrapped.
	ReadFirstReference() (*page.Reference, error)
	Close() error
}

// Writer appends pages. At most one writer is open per store.
type Writer interface {
	Reader
	// Write persists p and returns its key. The page becomes reachable only
	// once a later WriteFirstReference names an ancestor uber page.
	Write(p *page.Page) (page.Key, error)
	// WriteFirstReference makes every page written so far durable and then
	// atomically replaces the beacon with ref's key.
	WriteFirstReference(ref *page.Reference) error
}

// Storage opens readers and writers over one durable location.
type Storage interface {
	NewReader() (Reader, error)
	NewWriter() (Writer, error)
	// Exists reports whether a beacon has been written.
	Exists() (bool, error)
	Close() error
}

// Options configure a concrete store.
type Options struct {
	Layout   indirect.Layout
	Pipeline *bytepipe.Pipeline
	Logger   *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// NamedLogger returns the configured logger scoped to a store.
func (o Options) NamedLogger(name string) *zap.Logger {
	return o.logger().Named(name)
}
