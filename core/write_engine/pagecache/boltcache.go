package pagecache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
)

var containersBucket = []byte("containers")

// BoltCache spills containers to a private bolt file that is removed on Close.
type BoltCache struct {
	db    *bolt.DB
	path  string
	codec page.Codec
}

// NewBoltCache creates a fresh spill file under dir. Only leaf pages pass
// through the cache, so codec only needs the fan-out to reject mistakes.
func NewBoltCache(dir string, codec page.Codec) (*BoltCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberror.IO("create cache dir", err)
	}
	path := filepath.Join(dir, "pagecache-"+uuid.NewString()+".bolt")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, NoGrowSync: true})
	if err != nil {
		return nil, dberror.IO("open spill file", err)
	}
	// Spill files are scratch space; losing them on a crash is harmless.
	db.NoSync = true
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(containersBucket)
		return err
	})
	if err != nil {
		db.Close()
		os.Remove(path)
		return nil, dberror.IO("create containers bucket", err)
	}
	return &BoltCache{db: db, path: path, codec: codec}, nil
}

func (b *BoltCache) Path() string { return b.path }

func idKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func (b *BoltCache) Get(id uint64) (*Container, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(containersBucket).Get(idKey(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, dberror.IO("read spilled container", err)
	}
	if data == nil {
		return nil, nil
	}
	return b.decode(data)
}

func (b *BoltCache) Put(id uint64, c *Container) error {
	data, err := b.encode(c)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(containersBucket).Put(idKey(id), data)
	})
	if err != nil {
		return dberror.IO("spill container", err)
	}
	return nil
}

func (b *BoltCache) Keys() ([]uint64, error) {
	var keys []uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(containersBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	if err != nil {
		return nil, dberror.IO("list spilled containers", err)
	}
	return keys, nil
}

func (b *BoltCache) Clear() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(containersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(containersBucket)
		return err
	})
	if err != nil {
		return dberror.IO("clear spill file", err)
	}
	return nil
}

// Close closes and deletes the spill file.
func (b *BoltCache) Close() error {
	if err := b.db.Close(); err != nil {
		return dberror.IO("close spill file", err)
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return dberror.IO("remove spill file", err)
	}
	return nil
}

// A container is stored as two optional pages, each a presence byte followed
// by a length prefixed codec encoding.
func (b *BoltCache) encode(c *Container) ([]byte, error) {
	var buf []byte
	for _, p := range []*page.Page{c.Committed, c.Modified} {
		if p == nil {
			buf = append(buf, 0)
			continue
		}
		enc, err := b.codec.Encode(p)
		if err != nil {
			return nil, err
		}
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf, nil
}

func (b *BoltCache) decode(data []byte) (*Container, error) {
	var pages [2]*page.Page
	for i := range pages {
		if len(data) < 1 {
			return nil, dberror.Corrupt("spilled container", fmt.Errorf("truncated"))
		}
		present := data[0]
		data = data[1:]
		if present == 0 {
			continue
		}
		if len(data) < 4 {
			return nil, dberror.Corrupt("spilled container", fmt.Errorf("truncated length"))
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, dberror.Corrupt("spilled container", fmt.Errorf("page needs %d bytes, have %d", n, len(data)))
		}
		p, err := b.codec.Decode(data[:n])
		if err != nil {
			return nil, err
		}
		pages[i] = p
		data = data[n:]
	}
	return &Container{Committed: pages[0], Modified: pages[1]}, nil
}
