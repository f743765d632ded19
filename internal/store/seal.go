package store

import (
	"sort"

	"go.uber.org/zap"

	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/u32"
)

func alignBytes(b []byte) []byte {
	for uint32(len(b))%image.WordSize != 0 {
		b = append(b, 0)
	}
	return b
}

// FinishWrite merges the previously loaded entries and the newly written ones into a sealed
// image and returns its bytes. Merge policy, newest first:
//
//   - load-failed entries are dropped; the record is terminal.
//   - not-entrant preload entries are dropped: a preload entry with broken dependencies must
//     never be reused.
//   - other not-entrant entries are kept but reset to entrant; they record history and the
//     next run retries them.
//
// Kept payloads are copied into a freshly laid-out contiguous region, the search index is
// rebuilt sorted by content id, and the header is stamped with this process's fingerprint.
// On error the store is failed and any previously sealed image is left untouched.
func (s *Store) FinishWrite() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.failed.Load():
		return nil, ErrFailed
	case s.g.isClosed():
		return nil, ErrClosed
	case s.sealed:
		return nil, ErrSealed
	case s.arena == nil:
		return nil, ErrReadOnly
	}

	type kept struct {
		e    *Entry
		desc image.Descriptor
	}
	var ks []kept
	dropped := 0
	keep := func(e *Entry) {
		f := e.Flags()
		if f&image.FlagLoadFail != 0 {
			dropped++
			return
		}
		if f&image.FlagNotEntrant != 0 {
			if f&image.FlagForPreload != 0 {
				dropped++
				return
			}
			f &^= image.FlagNotEntrant
		}
		f &^= image.FlagLoaded
		d := e.desc
		d.Flags = f
		ks = append(ks, kept{e: e, desc: d})
	}
	// Newest first: fresh entries in reverse store order, then the prior image's entries.
	for i := len(s.fresh) - 1; i >= 0; i-- {
		keep(s.fresh[i])
	}
	for _, e := range s.loaded {
		keep(e)
	}

	// Copy every kept payload into the fresh contiguous code region.
	out := make([]byte, image.HeaderSize)
	for i := range ks {
		out = alignBytes(out)
		d := &ks[i].desc
		src := s.backing(ks[i].e)
		newOff := uint32(len(out))
		out = append(out, src[d.Offset:d.Offset+d.Size]...)
		delta := newOff - d.Offset
		d.Offset = newOff
		d.NameOffset += delta
		d.CodeOffset += delta
	}
	codeSize := uint32(len(out)) - image.HeaderSize

	// Ascending by content id; stable, so same-id runs stay newest first.
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].desc.ID < ks[j].desc.ID })
	position := make(map[*Entry]uint32, len(ks))
	for i := range ks {
		position[ks[i].e] = uint32(i)
	}

	var h image.Header
	for i := range ks {
		h.KindCounts[ks[i].desc.Kind-1]++
	}

	out = alignBytes(out)
	h.StringsOffset = uint32(len(out))
	var strings []string
	if s.opts.Table != nil {
		strings = s.opts.Table.Strings()
	}
	h.StringsCount = uint32(len(strings))
	for _, str := range strings {
		out = append(out, u32.LeBytes(uint32(len(str)))...)
		out = append(out, str...)
	}

	out = alignBytes(out)
	h.IndexOffset = uint32(len(out))
	h.IndexCount = uint32(len(ks))
	for i := range ks {
		out = append(out, u32.LeBytes(ks[i].desc.ID)...)
		out = append(out, u32.LeBytes(uint32(i))...)
	}

	out = alignBytes(out)
	h.PreloadOffset = uint32(len(out))
	for i := range ks {
		d := &ks[i].desc
		if d.Flags&image.FlagForPreload == 0 || d.MethodOffset == image.NoIndex {
			continue
		}
		if !s.resolvableMethod(d.MethodOffset) {
			continue
		}
		out = append(out, u32.LeBytes(uint32(i))...)
		h.PreloadCount++
	}

	out = alignBytes(out)
	h.EntriesOffset = uint32(len(out))
	h.EntriesCount = uint32(len(ks))
	for i := range ks {
		d := ks[i].desc
		d.Next = image.NoIndex
		if next := ks[i].e.next; next != nil {
			if pos, ok := position[next]; ok {
				d.Next = pos
			}
		}
		out = d.AppendTo(out)
	}

	h.CodeSize = codeSize
	h.ImageSize = uint32(len(out))
	h.Fingerprint = s.opts.Fingerprint
	copy(out[:image.HeaderSize], h.AppendTo(nil))

	s.sealed = true
	s.log.Info("sealed code cache image",
		zap.Uint32("entries", h.EntriesCount),
		zap.Int("dropped", dropped),
		zap.Uint32("preload", h.PreloadCount),
		zap.Uint32("strings", h.StringsCount),
		zap.Uint32("size", h.ImageSize))
	return out, nil
}

// resolvableMethod reports whether a preload entry's owning method resolves in the trusted
// archive right now. Entries whose owner cannot be resolved are left out of the preload
// subset but stay findable through the search index.
func (s *Store) resolvableMethod(offset uint32) bool {
	if s.opts.Archive == nil {
		return false
	}
	addr, ok := s.opts.Archive.AddressFromOffset(offset)
	if !ok {
		return false
	}
	return s.opts.Archive.InTrustedMetaspace(addr)
}
