// Package api includes constants and interfaces used by both embedders and internal implementations.
//
// The cache never loads classes, resolves methods or allocates archive regions on its own: the
// hosting virtual machine supplies those capabilities through the small interfaces below. All of
// them must be safe for concurrent use, as entry materialization happens on compiler threads.
package api

// Address is a live address inside the hosting process: a runtime entry point, a generated stub,
// a metadata record or an interned C string. Addresses are never persisted; the cache replaces
// them with stable identifiers before an image is sealed.
type Address = uintptr

// Loader names one of the two well-known class loaders a cached class reference may resolve
// through. Custom loaders cannot be named in a cache image.
type Loader = byte

const (
	// LoaderSystem is the application (system) class loader.
	LoaderSystem Loader = 0x00
	// LoaderPlatform is the platform class loader.
	LoaderPlatform Loader = 0x01
)

// BasicType identifies a primitive-type mirror ("int.class" and friends) embedded in compiled
// code. The values match the VM's basic type tags so embedders can pass them through unchanged.
type BasicType = byte

const (
	BasicTypeBoolean BasicType = 4
	BasicTypeChar    BasicType = 5
	BasicTypeFloat   BasicType = 6
	BasicTypeDouble  BasicType = 7
	BasicTypeByte    BasicType = 8
	BasicTypeShort   BasicType = 9
	BasicTypeInt     BasicType = 10
	BasicTypeLong    BasicType = 11
	BasicTypeVoid    BasicType = 14
)

// Klass is a live class the hosting VM has at least loaded. The cache only ever asks for its
// name, link/init state and address; it never inspects fields or methods directly.
type Klass interface {
	// Name returns the fully-qualified binary name, e.g. "java/lang/String".
	Name() string
	// Loader returns which well-known loader defined this class.
	Loader() Loader
	// IsLinked returns true once the class passed verification and linking.
	IsLinked() bool
	// IsInitialized returns true once the class initializer completed.
	IsInitialized() bool
	// Address returns the metadata address of this class in the current process.
	Address() Address
}

// Method is a live method of a loaded class.
type Method interface {
	// Holder returns the class that declares this method.
	Holder() Klass
	// Name returns the method name, e.g. "hashCode".
	Name() string
	// Signature returns the method descriptor, e.g. "()I".
	Signature() string
	// Address returns the metadata address of this method in the current process.
	Address() Address
}

// ClassLoading is the class-resolution collaborator used on the non-shared decode path. A cached
// class or method reference that was serialized by name must be re-resolved through it when the
// entry is materialized in a new process.
//
// All lookups are non-faulting: a missing class or method is reported via ok=false and makes the
// one entry being materialized unusable, never the whole cache.
type ClassLoading interface {
	// FindOrLoadClass returns the class of the given binary name through the given loader.
	FindOrLoadClass(name string, loader Loader) (klass Klass, ok bool)
	// FindMethod returns the method declared by klass with the given name and signature.
	FindMethod(klass Klass, name, signature string) (method Method, ok bool)
}

// MetadataArchive is the trusted metadata-archive collaborator. Values whose metadata already
// lives in the archive are encoded as offsets from its base, which is both smaller and immune to
// class-loading races at materialization time.
type MetadataArchive interface {
	// CanReference reports whether addr may be referred to from a cache image, i.e. whether it
	// is a relocated location inside the archive.
	CanReference(addr Address) bool
	// OffsetFromBase converts an archived address to its offset from the archive base.
	// ok is false when addr is not archived.
	OffsetFromBase(addr Address) (offset uint32, ok bool)
	// AddressFromOffset is the inverse of OffsetFromBase against the current mapping.
	AddressFromOffset(offset uint32) (addr Address, ok bool)
	// InTrustedMetaspace reports whether a resolved address landed inside trusted metadata.
	// Used as a validity check after AddressFromOffset.
	InTrustedMetaspace(addr Address) bool
}

// RegionAllocator is the persistence collaborator for the archive-embedded deployment mode: the
// sealed image is written into a region of a larger archive instead of a standalone file.
type RegionAllocator interface {
	// AllocateOutputRegion returns a writable region of exactly size bytes.
	AllocateOutputRegion(size uint64) ([]byte, error)
}

// ValueKind tags one embedded value attached to a cached code entry.
type ValueKind = byte

const (
	// ValueNull is a present-but-null reference.
	ValueNull ValueKind = iota
	// ValueNoData marks "nothing here": a slot the compiler left empty on purpose.
	ValueNoData
	// ValueKlass is a class reference serialized by name.
	ValueKlass
	// ValueKlassShared is a class reference serialized as a trusted-archive offset.
	ValueKlassShared
	// ValueMethod is a method reference serialized by holder name, method name and signature.
	ValueMethod
	// ValueMethodShared is a method reference serialized as a trusted-archive offset.
	ValueMethodShared
	// ValueString is an interned string serialized by content.
	ValueString
	// ValueStringShared is an interned string serialized as a trusted-archive offset.
	ValueStringShared
	// ValuePrimitive is a primitive-type mirror.
	ValuePrimitive
	// ValueSysLoader is the system class-loader singleton.
	ValueSysLoader
	// ValuePlaLoader is the platform class-loader singleton.
	ValuePlaLoader
	// ValueMethodCounters is the profiling-counters record of a method.
	ValueMethodCounters
)

// Value is one embedded object/metadata reference handed to StoreCode alongside the code bytes.
// Which fields are meaningful depends on Kind; the zero Value is ValueNull.
type Value struct {
	Kind ValueKind
	// Klass is set for ValueKlass, ValueKlassShared.
	Klass Klass
	// Method is set for ValueMethod, ValueMethodShared and ValueMethodCounters.
	Method Method
	// Str is set for ValueString and ValueStringShared.
	Str string
	// Addr is the live address of the value at write time, when one exists. It is consulted to
	// decide whether the cheaper shared encoding applies and is never persisted as-is.
	Addr Address
	// Primitive is set for ValuePrimitive.
	Primitive BasicType
}

// RelocKind classifies one relocation site inside a cached code buffer.
type RelocKind = byte

const (
	// RelocCall is a call or jump whose target lies outside the entry: a runtime function, a
	// generated stub or blob, or an interned C string.
	RelocCall RelocKind = iota + 1
	// RelocOop is an embedded object constant, encoded as an index into the entry's value table.
	RelocOop
	// RelocMetadata is an embedded metadata constant, also a value-table index.
	RelocMetadata
	// RelocInternal is a position-relative reference into the entry's own content, rebased by
	// the difference between dump-time and load-time content bases.
	RelocInternal
)

// Reloc describes one relocation in write-side (live address) form.
type Reloc struct {
	// Site is the byte offset of the relocation site within the code section.
	Site uint32
	// Kind classifies the site.
	Kind RelocKind
	// Target is the live target address for RelocCall and RelocInternal sites.
	Target Address
	// CString is the target string for calls whose operand is an interned C string rather than
	// a code address. Empty when unused.
	CString string
	// ValueIndex is the value-table index for RelocOop and RelocMetadata sites.
	ValueIndex uint32
}
