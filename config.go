package warmstart

import (
	"fmt"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/image"
)

// defaultCapacity bounds the scratch write buffer when the embedder does not configure one.
const defaultCapacity = 64 << 20

// CacheConfig controls how a Cache is created. Each With* method returns a new config with the
// field set, leaving the receiver unchanged, so a base config may be shared and specialized.
//
//	cache, err := warmstart.NewCache(warmstart.NewCacheConfig().
//		WithCacheDir("/var/cache/myvm").
//		WithCapacity("256MiB").
//		WithFingerprint(fp).
//		WithAddressTable(tbl))
type CacheConfig interface {
	// WithCapacity sets the write-buffer capacity from a human-readable size such as "64MiB"
	// or a plain byte count. A malformed size surfaces as an error from the constructor.
	WithCapacity(size string) CacheConfig

	// WithCapacityBytes sets the write-buffer capacity in bytes.
	WithCapacityBytes(n uint32) CacheConfig

	// WithCacheDir persists sealed images under dir, scoped by module version, GOARCH and
	// GOOS. Without a cache dir the cache lives in memory and Seal only returns the image via
	// the region allocator, if any.
	WithCacheDir(dir string) CacheConfig

	// WithCompression stores the image file as an lz4 frame. Files written either way are
	// read back transparently.
	WithCompression(enabled bool) CacheConfig

	// WithFailFast makes a stale, mismatched or corrupt on-disk image an error from NewCache.
	// By default such an image is discarded and the cache starts empty, since a cold start is
	// the benign outcome of a version bump.
	WithFailFast(enabled bool) CacheConfig

	// WithLogger directs cache events to logger. Default is no logging.
	WithLogger(logger *zap.Logger) CacheConfig

	// WithFingerprint sets the process configuration fingerprint, stamped into sealed images
	// and enforced when opening them.
	WithFingerprint(fp Fingerprint) CacheConfig

	// WithAddressTable sets the process address table. Required.
	WithAddressTable(t *AddressTable) CacheConfig

	// WithMetadataArchive sets the trusted metadata archive collaborator.
	WithMetadataArchive(a api.MetadataArchive) CacheConfig

	// WithClassLoading sets the class-loading collaborator used to re-resolve values.
	WithClassLoading(l api.ClassLoading) CacheConfig

	// WithRegionAllocator directs Seal to also copy the image into a region allocated from
	// the hosting archive, for the archive-embedded deployment mode.
	WithRegionAllocator(a api.RegionAllocator) CacheConfig
}

// NewCacheConfig returns a CacheConfig with default values.
func NewCacheConfig() CacheConfig {
	return &cacheConfig{capacity: defaultCapacity}
}

type cacheConfig struct {
	capacity    uint32
	capacityErr error
	cacheDir    string
	compress    bool
	failFast    bool
	logger      *zap.Logger
	fingerprint image.Fingerprint
	table       *addrtable.Table
	archive     api.MetadataArchive
	loaders     api.ClassLoading
	regions     api.RegionAllocator
}

func (c *cacheConfig) clone() *cacheConfig {
	ret := *c
	return &ret
}

func (c *cacheConfig) WithCapacity(size string) CacheConfig {
	ret := c.clone()
	n, err := units.RAMInBytes(size)
	switch {
	case err != nil:
		ret.capacityErr = fmt.Errorf("warmstart: invalid capacity %q: %v", size, err)
	case n <= 0 || n > 1<<31:
		ret.capacityErr = fmt.Errorf("warmstart: capacity %q out of range", size)
	default:
		ret.capacity = uint32(n)
	}
	return ret
}

func (c *cacheConfig) WithCapacityBytes(n uint32) CacheConfig {
	ret := c.clone()
	ret.capacity = n
	ret.capacityErr = nil
	return ret
}

func (c *cacheConfig) WithCacheDir(dir string) CacheConfig {
	ret := c.clone()
	ret.cacheDir = dir
	return ret
}

func (c *cacheConfig) WithCompression(enabled bool) CacheConfig {
	ret := c.clone()
	ret.compress = enabled
	return ret
}

func (c *cacheConfig) WithFailFast(enabled bool) CacheConfig {
	ret := c.clone()
	ret.failFast = enabled
	return ret
}

func (c *cacheConfig) WithLogger(logger *zap.Logger) CacheConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

func (c *cacheConfig) WithFingerprint(fp Fingerprint) CacheConfig {
	ret := c.clone()
	ret.fingerprint = fp
	return ret
}

func (c *cacheConfig) WithAddressTable(t *AddressTable) CacheConfig {
	ret := c.clone()
	ret.table = t
	return ret
}

func (c *cacheConfig) WithMetadataArchive(a api.MetadataArchive) CacheConfig {
	ret := c.clone()
	ret.archive = a
	return ret
}

func (c *cacheConfig) WithClassLoading(l api.ClassLoading) CacheConfig {
	ret := c.clone()
	ret.loaders = l
	return ret
}

func (c *cacheConfig) WithRegionAllocator(a api.RegionAllocator) CacheConfig {
	ret := c.clone()
	ret.regions = a
	return ret
}
