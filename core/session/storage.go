package session

import (
	"fmt"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/backend"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/boltstore"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/filestore"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/sqlitestore"
	"github.com/JohannesLichtenberger/treetank/core/write_engine/pagecache"
	"github.com/JohannesLichtenberger/treetank/pkg/config"
)

// openStorage opens the backend named by cfg.Backend.
func openStorage(cfg config.Config, o backend.Options) (backend.Storage, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return filestore.Open(cfg.Path, o)
	case config.BackendBolt:
		return boltstore.Open(cfg.Path, o)
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.Path, o)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", dberror.ErrInvalidConfig, cfg.Backend)
	}
}

// newSecondary builds the spill tier of a write transaction's page cache.
func newSecondary(cfg config.Config) (pagecache.Secondary, error) {
	switch cfg.Cache.Secondary {
	case config.SecondaryBolt:
		return pagecache.NewBoltCache(cfg.CacheDir(), page.Codec{FanOut: cfg.Layout.FanOut})
	case config.SecondaryMemory:
		return pagecache.NewMemoryCache(), nil
	case config.SecondaryNull:
		return pagecache.NullCache{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown secondary cache %q", dberror.ErrInvalidConfig, cfg.Cache.Secondary)
	}
}
