package bytepipe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipeline_Identity(t *testing.T) {
	var p *Pipeline
	out, err := p.Encode([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), out)
	require.Equal(t, "identity", New().String())
}

func TestPipeline_CompressThenEncrypt(t *testing.T) {
	enc, err := NewAESGCM(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	p := New(XZ{}, enc)
	require.Equal(t, "xz|aes-gcm", p.String())

	data := bytes.Repeat([]byte("treetank page "), 200)
	sealed, err := p.Encode(data)
	require.NoError(t, err)
	require.Less(t, len(sealed), len(data))
	require.False(t, bytes.Contains(sealed, []byte("treetank")))

	plain, err := p.Decode(sealed)
	require.NoError(t, err)
	require.Equal(t, data, plain)
}

func TestAESGCM_RejectsTamperedInput(t *testing.T) {
	enc, err := NewAESGCM(bytes.Repeat([]byte{1}, 16))
	require.NoError(t, err)
	sealed, err := enc.Encode([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = enc.Decode(sealed)
	require.Error(t, err)

	_, err = enc.Decode([]byte{1, 2})
	require.Error(t, err)

	_, err = NewAESGCM([]byte("short"))
	require.Error(t, err)
}
