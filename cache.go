package warmstart

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/warmstart-dev/warmstart/internal/persist"
	"github.com/warmstart-dev/warmstart/internal/store"
)

// Cache is the public handle on one code cache. Lookups and materialization are safe from any
// goroutine; StoreCode and Seal must be serialized by the embedder, typically under its
// compilation lock.
type Cache struct {
	s       *store.Store
	files   *persist.FileStore
	regions *persist.RegionWriter
	log     *zap.Logger
}

// NewCache creates a Cache from config. With a cache dir configured, an image left by a
// previous run is loaded and its entries become immediately findable; an image that fails
// validation is discarded and the cache starts empty, unless WithFailFast was set.
func NewCache(config CacheConfig) (*Cache, error) {
	cfg, opts, err := resolve(config)
	if err != nil {
		return nil, err
	}
	c := &Cache{log: opts.Logger}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if cfg.regions != nil {
		c.regions = persist.NewRegionWriter(cfg.regions)
	}
	if cfg.cacheDir != "" {
		c.files, err = persist.NewFileStore(cfg.cacheDir, cfg.compress)
		if err != nil {
			return nil, err
		}
		img, ok, err := c.files.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			c.s, err = store.OpenForUpdate(img, opts)
			if err == nil {
				return c, nil
			}
			if cfg.failFast {
				return nil, err
			}
			// The stored image belongs to another configuration or is damaged. Starting
			// cold is the correct recovery; keeping the file around would just repeat
			// the rejection on every start.
			c.log.Warn("discarding unusable code cache image",
				zap.String("path", c.files.Path()), zap.Error(err))
			if err := c.files.Delete(); err != nil {
				return nil, err
			}
		}
	}
	c.s, err = store.NewWritable(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OpenCache opens a sealed image read-only: entries can be found and materialized but nothing
// can be stored, and Seal is refused.
func OpenCache(img []byte, config CacheConfig) (*Cache, error) {
	_, opts, err := resolve(config)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(img, opts)
	if err != nil {
		return nil, err
	}
	c := &Cache{s: s, log: opts.Logger}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

func resolve(config CacheConfig) (*cacheConfig, store.Options, error) {
	cfg, ok := config.(*cacheConfig)
	if !ok {
		return nil, store.Options{}, fmt.Errorf("warmstart: unsupported CacheConfig implementation %T", config)
	}
	if cfg.capacityErr != nil {
		return nil, store.Options{}, cfg.capacityErr
	}
	if cfg.table == nil {
		return nil, store.Options{}, fmt.Errorf("warmstart: an AddressTable is required; see CacheConfig.WithAddressTable")
	}
	return cfg, store.Options{
		Capacity:    cfg.capacity,
		Fingerprint: cfg.fingerprint,
		Table:       cfg.table,
		Archive:     cfg.archive,
		Loaders:     cfg.loaders,
		Logger:      cfg.logger,
	}, nil
}

// StoreCode writes one compiled unit into the cache. Returns ErrCapacity when the buffer
// fills; the cache is then failed and every later write is a cheap refused no-op.
func (c *Cache) StoreCode(kind EntryKind, id uint32, name string, code []byte, m *Meta) (*Entry, error) {
	return c.s.StoreCode(kind, id, name, code, m)
}

// FindEntry looks up a cached unit by kind and content id, disambiguated by compilation level
// and the owning method's decompile count.
func (c *Cache) FindEntry(kind EntryKind, id, compLevel, decompileCount uint32) (*Entry, bool) {
	return c.s.FindEntry(kind, id, compLevel, decompileCount)
}

// Materialize reconstructs an entry's code for installation: a fresh copy of the machine code
// with every relocation re-resolved against this process. ErrEntryUnusable means this entry
// cannot be used here; the cache itself stays usable.
func (c *Cache) Materialize(e *Entry) (*Code, error) {
	return c.s.Materialize(e)
}

// Invalidate marks an entry not-entrant so no lookup returns it again this run. A clinit
// barrier variant cascades to its successors.
func (c *Cache) Invalidate(e *Entry) { c.s.Invalidate(e) }

// PreloadEntries returns the entries pre-selected for installation before application code
// runs, in image order.
func (c *Cache) PreloadEntries() []*Entry { return c.s.PreloadEntries() }

// Failed reports whether the cache hit its sticky failed state.
func (c *Cache) Failed() bool { return c.s.Failed() }

// Seal merges previously loaded and newly stored entries into a sealed image and persists it
// to every configured destination. The image bytes are returned for embedders that manage
// persistence themselves. Seal can run once; the cache stays readable afterwards.
func (c *Cache) Seal() ([]byte, error) {
	img, err := c.s.FinishWrite()
	if err != nil {
		return nil, err
	}
	var perr error
	if c.files != nil {
		perr = multierr.Append(perr, c.files.Save(img))
	}
	if c.regions != nil {
		_, err := c.regions.Save(img)
		perr = multierr.Append(perr, err)
	}
	if perr != nil {
		// A half-persisted seal is unrecoverable for the next run; fail the cache so the
		// embedder never mistakes it for a healthy one.
		c.s.Fail("sealed image persistence failed")
		return img, fmt.Errorf("warmstart: seal persisted partially: %w", perr)
	}
	return img, nil
}

// Close blocks new lookups, waits for in-flight materializations to drain, and releases the
// cache buffers. Safe to call more than once.
func (c *Cache) Close(_ context.Context) error {
	c.s.Close()
	return nil
}
