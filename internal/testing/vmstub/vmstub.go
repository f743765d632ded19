// Package vmstub provides in-memory fakes of the hosting-VM collaborators for tests: a class
// space with controllable link/init state and a trusted metadata archive backed by a fixed
// fake base address.
package vmstub

import (
	"github.com/warmstart-dev/warmstart/api"
)

// Klass implements api.Klass.
type Klass struct {
	ClassName   string
	ClassLoader api.Loader
	Linked      bool
	Initialized bool
	Addr        api.Address
}

func (k *Klass) Name() string         { return k.ClassName }
func (k *Klass) Loader() api.Loader   { return k.ClassLoader }
func (k *Klass) IsLinked() bool       { return k.Linked }
func (k *Klass) IsInitialized() bool  { return k.Initialized }
func (k *Klass) Address() api.Address { return k.Addr }

// Method implements api.Method.
type Method struct {
	Owner      *Klass
	MethodName string
	Sig        string
	Addr       api.Address
}

func (m *Method) Holder() api.Klass    { return m.Owner }
func (m *Method) Name() string         { return m.MethodName }
func (m *Method) Signature() string    { return m.Sig }
func (m *Method) Address() api.Address { return m.Addr }

// ClassSpace implements api.ClassLoading over a fixed set of classes and methods.
type ClassSpace struct {
	Klasses []*Klass
	Methods []*Method
}

func (s *ClassSpace) FindOrLoadClass(name string, loader api.Loader) (api.Klass, bool) {
	for _, k := range s.Klasses {
		if k.ClassName == name && k.ClassLoader == loader {
			return k, true
		}
	}
	return nil, false
}

func (s *ClassSpace) FindMethod(klass api.Klass, name, signature string) (api.Method, bool) {
	for _, m := range s.Methods {
		if m.Owner == klass && m.MethodName == name && m.Sig == signature {
			return m, true
		}
	}
	return nil, false
}

// Archive implements api.MetadataArchive as the address window [Base, Base+Size).
type Archive struct {
	Base api.Address
	Size uint32
}

func (a *Archive) CanReference(addr api.Address) bool {
	return addr >= a.Base && addr < a.Base+api.Address(a.Size)
}

func (a *Archive) OffsetFromBase(addr api.Address) (uint32, bool) {
	if !a.CanReference(addr) {
		return 0, false
	}
	return uint32(addr - a.Base), true
}

func (a *Archive) AddressFromOffset(offset uint32) (api.Address, bool) {
	if offset >= a.Size {
		return 0, false
	}
	return a.Base + api.Address(offset), true
}

func (a *Archive) InTrustedMetaspace(addr api.Address) bool {
	return a.CanReference(addr)
}
