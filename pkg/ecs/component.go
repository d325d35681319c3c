package ecs

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ComponentType describes a registered component type and its byte layout.
// Component types are process-wide: the same Go type has the same ID in every
// world.
type ComponentType struct {
	id    uint32
	typ   reflect.Type
	size  uintptr
	align uintptr
}

func (c *ComponentType) ID() uint32         { return c.id }
func (c *ComponentType) Type() reflect.Type { return c.typ }
func (c *ComponentType) Size() uintptr      { return c.size }
func (c *ComponentType) Align() uintptr     { return c.align }
func (c *ComponentType) String() string     { return c.typ.String() }

// Affective components take part in archetype identity by content: two
// values of the same type with different hashes live in different
// archetypes. Implement it on the value receiver.
type Affective interface {
	AffectiveHash() uint64
}

// HashBytes is a convenience for AffectiveHash implementations.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

var registry = struct {
	mu     sync.Mutex
	byType sync.Map // reflect.Type -> *ComponentType
	next   uint32
}{}

// TypeOf registers T as a component type if needed and returns it.
func TypeOf[T any]() (*ComponentType, error) {
	return componentTypeOf(reflect.TypeFor[T]())
}

// MustTypeOf is TypeOf that panics on error.
func MustTypeOf[T any]() *ComponentType {
	ct, err := TypeOf[T]()
	if err != nil {
		panic(err)
	}
	return ct
}

func lookupType(t reflect.Type) (*ComponentType, bool) {
	if v, ok := registry.byType.Load(t); ok {
		return v.(*ComponentType), true
	}
	return nil, false
}

func componentTypeOf(t reflect.Type) (*ComponentType, error) {
	if t == nil {
		return nil, ErrNilComponent
	}
	if ct, ok := lookupType(t); ok {
		return ct, nil
	}
	if !isPlain(t) {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotPlain, t)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if ct, ok := lookupType(t); ok {
		return ct, nil
	}
	ct := &ComponentType{
		id:    registry.next,
		typ:   t,
		size:  t.Size(),
		align: uintptr(t.Align()),
	}
	registry.next++
	registry.byType.Store(t, ct)
	return ct, nil
}

// isPlain reports whether t holds no Go pointers, so its bytes can live in
// an untyped arena without hiding references from the GC.
func isPlain(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || isPlain(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPlain(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// componentKey is one element of an archetype identity.
type componentKey struct {
	ctype *ComponentType
	hash  uint64
}

func lessKey(a, b componentKey) int {
	switch {
	case a.ctype.id < b.ctype.id:
		return -1
	case a.ctype.id > b.ctype.id:
		return 1
	case a.hash < b.hash:
		return -1
	case a.hash > b.hash:
		return 1
	default:
		return 0
	}
}

func affectiveHash(v any) uint64 {
	if a, ok := v.(Affective); ok {
		return a.AffectiveHash()
	}
	return 0
}

// signatureHash folds a sorted signature into the archetype index key.
func signatureHash(sig []componentKey) uint64 {
	d := xxhash.New()
	var buf [12]byte
	for _, k := range sig {
		id, h := k.ctype.id, k.hash
		for i := 0; i < 4; i++ {
			buf[i] = byte(id >> (8 * i))
		}
		for i := 0; i < 8; i++ {
			buf[4+i] = byte(h >> (8 * i))
		}
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func sameSignature(a, b []componentKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ctype != b[i].ctype || a[i].hash != b[i].hash {
			return false
		}
	}
	return true
}
