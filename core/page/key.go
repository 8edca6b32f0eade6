package page

import "fmt"

// KeySize is the encoded size of a Key: id(8) + length(4) + checksum(8).
const KeySize = 20

// Key locates a serialized page on durable storage. ID is backend specific
// (a file offset for the flat-file store, a sequence for key-value stores);
// Length is the stored byte length and Checksum the xxhash64 of those bytes.
type Key struct {
	ID       uint64
	Length   uint32
	Checksum uint64
}

func (k Key) String() string {
	return fmt.Sprintf("key(id=%d,len=%d,sum=%016x)", k.ID, k.Length, k.Checksum)
}
