package database

import "github.com/tomyedwab/sqlbind/native"

// Binding is a versioned view of a parameter or result bind array. The
// array belongs to whoever holds the image; whenever its layout changes
// (buffers replaced, grown or re-pointed) the owner bumps Version so that
// statements re-register it with the driver on their next use.
//
// Bindings are not synchronized. They are only touched by the goroutine
// that holds the connection.
type Binding struct {
	Bind    []native.Bind
	Version uint64
}

func NewBinding(binds []native.Bind) *Binding {
	return &Binding{Bind: binds}
}

func (b *Binding) Count() int {
	return len(b.Bind)
}

// Touch records a layout change.
func (b *Binding) Touch() {
	b.Version++
}

// GrowTruncated enlarges every []byte buffer whose last fetch was
// truncated to the reported length. It returns true and bumps the version
// if any buffer changed.
func GrowTruncated(b *Binding) bool {
	grown := false
	for _, bind := range b.Bind {
		if bind.Error == nil || !*bind.Error || bind.Length == nil {
			continue
		}
		p, ok := bind.Buffer.(*[]byte)
		if !ok || cap(*p) >= *bind.Length {
			continue
		}
		buf := make([]byte, len(*p), *bind.Length)
		copy(buf, *p)
		*p = buf
		grown = true
	}
	if grown {
		b.Touch()
	}
	return grown
}

// boundVersion tracks the last version of a binding a statement handed to
// the driver.
type boundVersion struct {
	binding *Binding
	version uint64
	bound   bool
}

func (v *boundVersion) changed() bool {
	return v.binding != nil && (!v.bound || v.version != v.binding.Version)
}

func (v *boundVersion) sync() {
	if v.binding != nil {
		v.version = v.binding.Version
		v.bound = true
	}
}
