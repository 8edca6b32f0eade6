package bytepipe

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

// XZ compresses pages with the xz container format.
type XZ struct{}

func (XZ) Name() string { return "xz" }

func (XZ) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (XZ) Decode(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
