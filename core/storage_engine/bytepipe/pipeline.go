// Package bytepipe transforms serialized pages on their way to and from
// durable storage. Handlers run in order on write and in reverse on read.
package bytepipe

import (
	"fmt"
	"strings"
)

// Handler is one reversible stage of the pipeline.
type Handler interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Pipeline is an ordered list of handlers. The zero value passes bytes through.
type Pipeline struct {
	handlers []Handler
}

func New(handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers}
}

// Encode applies every handler in order.
func (p *Pipeline) Encode(data []byte) ([]byte, error) {
	if p == nil {
		return data, nil
	}
	var err error
	for _, h := range p.handlers {
		if data, err = h.Encode(data); err != nil {
			return nil, fmt.Errorf("bytepipe: %s encode: %w", h.Name(), err)
		}
	}
	return data, nil
}

// Decode applies every handler in reverse order.
func (p *Pipeline) Decode(data []byte) ([]byte, error) {
	if p == nil {
		return data, nil
	}
	var err error
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h := p.handlers[i]
		if data, err = h.Decode(data); err != nil {
			return nil, fmt.Errorf("bytepipe: %s decode: %w", h.Name(), err)
		}
	}
	return data, nil
}

func (p *Pipeline) String() string {
	if p == nil || len(p.handlers) == 0 {
		return "identity"
	}
	names := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		names[i] = h.Name()
	}
	return strings.Join(names, "|")
}
