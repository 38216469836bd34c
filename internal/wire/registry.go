package wire

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Message is any value that can travel in a frame. Kind must be stable for a
// given Go type; it is the name the registry knows the variant by.
type Message interface {
	Kind() string
}

type variant struct {
	name string
	typ  reflect.Type
	new  func() Message
}

// Registry maps message variants to small integer tags. Tags are assigned in
// registration order, so every process that talks to another must register
// the same variants in the same order. Fingerprint summarizes that order.
type Registry struct {
	mu       sync.RWMutex
	variants []variant
	byName   map[string]uint16
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]uint16)}
}

// Register adds the variant produced by newFn. newFn must return a non-nil
// pointer. Registering the same variant twice is a no-op; registering a
// different type under an existing name is an error.
func (r *Registry) Register(newFn func() Message) error {
	if newFn == nil {
		return fmt.Errorf("register: nil constructor")
	}
	m := newFn()
	if m == nil {
		return fmt.Errorf("register: constructor returned nil")
	}
	typ := reflect.TypeOf(m)
	if typ.Kind() != reflect.Pointer {
		return fmt.Errorf("register %s: constructor must return a pointer, got %s", m.Kind(), typ)
	}
	name := m.Kind()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register %s: empty kind", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tag, ok := r.byName[name]; ok {
		if r.variants[tag].typ == typ {
			return nil
		}
		return fmt.Errorf("register %s: name already used by %s", name, r.variants[tag].typ)
	}
	if len(r.variants) > int(^uint16(0)) {
		return fmt.Errorf("register %s: too many variants", name)
	}
	tag := uint16(len(r.variants))
	r.variants = append(r.variants, variant{name: name, typ: typ, new: newFn})
	r.byName[name] = tag
	return nil
}

// MustRegister is Register for package initialization paths.
func (r *Registry) MustRegister(newFn func() Message) {
	if err := r.Register(newFn); err != nil {
		panic(err)
	}
}

// TagOf returns the tag assigned to msg's variant.
func (r *Registry) TagOf(msg Message) (uint16, error) {
	if msg == nil {
		return 0, fmt.Errorf("%w: nil message", ErrUnknownType)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.byName[msg.Kind()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, msg.Kind())
	}
	if typ := reflect.TypeOf(msg); typ != r.variants[tag].typ {
		return 0, fmt.Errorf("%w: %s registered as %s, got %s", ErrUnknownType, msg.Kind(), r.variants[tag].typ, typ)
	}
	return tag, nil
}

// New returns a fresh zero value of the variant registered under tag.
func (r *Registry) New(tag uint16) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(tag) >= len(r.variants) {
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownType, tag)
	}
	return r.variants[tag].new(), nil
}

// NameOf returns the kind registered under tag, or "" if none.
func (r *Registry) NameOf(tag uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(tag) >= len(r.variants) {
		return ""
	}
	return r.variants[tag].name
}

// Len reports the number of registered variants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.variants)
}

// Fingerprint hashes the ordered list of variant names. Two processes with
// equal fingerprints resolve every tag to the same variant.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := xxhash.New()
	for _, v := range r.variants {
		_, _ = d.WriteString(v.name)
		_, _ = d.WriteString("\n")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
