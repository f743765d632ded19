// Package valuecodec serializes the tagged values embedded in cached code: class and method
// references, interned strings, primitive-type mirrors, the two well-known class loaders, and
// the "nothing here" sentinels. It exists so an opaque object graph can cross a process
// boundary without a generic object serializer.
//
// References whose metadata lives in the trusted archive are encoded as offsets from the
// archive base (the _Shared tags). That form is strictly cheaper and more robust than the
// by-name form, so the encoder always prefers it when the archive accepts the address. The
// by-name form re-resolves through the class-loading collaborator at read time and tolerates
// "not loaded / not linked" as a recoverable per-entry skip, never a hard error.
package valuecodec

import (
	"fmt"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/u32"
)

// Resolved is one decoded value, re-resolved against the current process.
type Resolved struct {
	Kind   api.ValueKind
	Klass  api.Klass
	Method api.Method
	Str    string
	// Addr is the live metadata address when the value resolved through the trusted archive.
	Addr      api.Address
	Primitive api.BasicType
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, u32.LeBytes(uint32(len(s)))...)
	return append(dst, s...)
}

// tryShared appends a shared (archive-offset) encoding of addr under tag, when the archive
// accepts it.
func tryShared(dst []byte, tag api.ValueKind, addr api.Address, arch api.MetadataArchive) ([]byte, bool) {
	if arch == nil || addr == 0 || !arch.CanReference(addr) {
		return dst, false
	}
	off, ok := arch.OffsetFromBase(addr)
	if !ok {
		return dst, false
	}
	dst = append(dst, tag)
	return append(dst, u32.LeBytes(off)...), true
}

func appendKlass(dst []byte, k api.Klass, arch api.MetadataArchive) ([]byte, error) {
	if k == nil {
		return dst, fmt.Errorf("valuecodec: klass value without a klass")
	}
	if out, ok := tryShared(dst, api.ValueKlassShared, k.Address(), arch); ok {
		return out, nil
	}
	dst = append(dst, api.ValueKlass, k.Loader())
	return appendString(dst, k.Name()), nil
}

func appendMethod(dst []byte, tag api.ValueKind, m api.Method, arch api.MetadataArchive) ([]byte, error) {
	if m == nil {
		return dst, fmt.Errorf("valuecodec: method value without a method")
	}
	if tag == api.ValueMethod {
		if out, ok := tryShared(dst, api.ValueMethodShared, m.Address(), arch); ok {
			return out, nil
		}
	}
	holder := m.Holder()
	if holder == nil {
		return dst, fmt.Errorf("valuecodec: method %s.%s has no holder", m.Name(), m.Signature())
	}
	dst = append(dst, tag, holder.Loader())
	dst = appendString(dst, holder.Name())
	dst = appendString(dst, m.Name())
	return appendString(dst, m.Signature()), nil
}

// Append appends the encoding of v to dst. Encoding never fails recoverably: a value the
// caller could not describe is a caller bug and surfaces as an error.
func Append(dst []byte, v *api.Value, arch api.MetadataArchive) ([]byte, error) {
	switch v.Kind {
	case api.ValueNull, api.ValueNoData, api.ValueSysLoader, api.ValuePlaLoader:
		return append(dst, v.Kind), nil
	case api.ValueKlass, api.ValueKlassShared:
		return appendKlass(dst, v.Klass, arch)
	case api.ValueMethod, api.ValueMethodShared:
		return appendMethod(dst, api.ValueMethod, v.Method, arch)
	case api.ValueMethodCounters:
		// Counters are reattached via their owning method; only the method identity persists.
		return appendMethod(dst, api.ValueMethodCounters, v.Method, arch)
	case api.ValueString, api.ValueStringShared:
		if out, ok := tryShared(dst, api.ValueStringShared, v.Addr, arch); ok {
			return out, nil
		}
		dst = append(dst, api.ValueString)
		return appendString(dst, v.Str), nil
	case api.ValuePrimitive:
		return append(dst, api.ValuePrimitive, v.Primitive), nil
	}
	return dst, fmt.Errorf("valuecodec: unknown value kind %d", v.Kind)
}

func decodeShared(cur *image.Cursor, arch api.MetadataArchive) (addr api.Address, failed bool) {
	off := cur.U32()
	if cur.Err() != nil || arch == nil {
		return 0, true
	}
	addr, ok := arch.AddressFromOffset(off)
	if !ok || !arch.InTrustedMetaspace(addr) {
		return 0, true
	}
	return addr, false
}

func decodeKlassByName(cur *image.Cursor, loaders api.ClassLoading) (api.Klass, bool) {
	loader := cur.U8()
	name := cur.String()
	if cur.Err() != nil || loaders == nil {
		return nil, true
	}
	k, ok := loaders.FindOrLoadClass(name, loader)
	if !ok {
		return nil, true
	}
	// Linking has to have happened for the class's metadata to be referenced from code;
	// a class that is loaded but not yet linked is a retry-later condition for this entry.
	if !k.IsLinked() {
		return k, true
	}
	return k, false
}

func decodeMethodByName(cur *image.Cursor, loaders api.ClassLoading) (api.Method, bool) {
	k, failed := decodeKlassByName(cur, loaders)
	name := cur.String()
	sig := cur.String()
	if failed || cur.Err() != nil {
		return nil, true
	}
	m, ok := loaders.FindMethod(k, name, sig)
	if !ok {
		return nil, true
	}
	return m, false
}

// Decode reads one value from cur and re-resolves it against the current process. failed=true
// means this one entry is unusable (a referenced class is missing, not linked, or a shared
// offset fell outside trusted metadata); it is not a hard fault and leaves cur consistent.
// A non-nil error means the bytes themselves are corrupt.
func Decode(cur *image.Cursor, arch api.MetadataArchive, loaders api.ClassLoading) (v Resolved, failed bool, err error) {
	tag := cur.U8()
	if cur.Err() != nil {
		return v, false, cur.Err()
	}
	v.Kind = tag
	switch tag {
	case api.ValueNull, api.ValueNoData, api.ValueSysLoader, api.ValuePlaLoader:
	case api.ValueKlassShared:
		v.Addr, failed = decodeShared(cur, arch)
	case api.ValueMethodShared:
		v.Addr, failed = decodeShared(cur, arch)
	case api.ValueKlass:
		v.Klass, failed = decodeKlassByName(cur, loaders)
	case api.ValueMethod, api.ValueMethodCounters:
		v.Method, failed = decodeMethodByName(cur, loaders)
		if v.Method != nil {
			v.Addr = v.Method.Address()
		}
	case api.ValueString:
		v.Str = cur.String()
	case api.ValueStringShared:
		v.Addr, failed = decodeShared(cur, arch)
	case api.ValuePrimitive:
		v.Primitive = cur.U8()
	default:
		return v, false, fmt.Errorf("valuecodec: unknown value tag %d at offset %d", tag, cur.Offset()-1)
	}
	if err = cur.Err(); err != nil {
		return v, false, err
	}
	return v, failed, nil
}
