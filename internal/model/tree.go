// Package model holds the weight tree of a model: an ordered module
// hierarchy of parameters and buffers with a flattened name index built
// once, explicit alias (tie) declarations, and a synthetic loader.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"semipd/internal/tensor"
)

var (
	ErrUnknownName   = errors.New("unknown tensor name")
	ErrDuplicateName = errors.New("duplicate tensor name")
)

// Kind distinguishes trainable parameters from registered buffers.
type Kind uint8

const (
	KindParameter Kind = iota
	KindBuffer
)

func (k Kind) String() string {
	if k == KindBuffer {
		return "buffer"
	}
	return "parameter"
}

// Slot is one named tensor position in the tree. Rebinding a slot replaces
// the tensor seen by every holder of the index. Want is the geometry the
// slot was declared with, which survives placeholder allocation.
type Slot struct {
	Name   string
	Kind   Kind
	Tensor *tensor.Tensor
	Want   tensor.Descriptor
}

// Module is a node of the hierarchy. Child and tensor order is insertion order.
type Module struct {
	params   []*Slot
	buffers  []*Slot
	children []child
}

type child struct {
	name string
	m    *Module
}

func NewModule() *Module { return &Module{} }

func (m *Module) AddParameter(name string, t *tensor.Tensor) {
	m.Declare(KindParameter, name, t, descriptorOf(t))
}

func (m *Module) AddBuffer(name string, t *tensor.Tensor) {
	m.Declare(KindBuffer, name, t, descriptorOf(t))
}

// Declare registers t under name with an explicit declared geometry. The
// builder uses it so that placeholders keep the shape they stand in for.
func (m *Module) Declare(kind Kind, name string, t *tensor.Tensor, want tensor.Descriptor) {
	s := &Slot{Name: name, Kind: kind, Tensor: t, Want: want}
	if kind == KindBuffer {
		m.buffers = append(m.buffers, s)
		return
	}
	m.params = append(m.params, s)
}

func descriptorOf(t *tensor.Tensor) tensor.Descriptor {
	if t == nil {
		return tensor.Descriptor{}
	}
	return t.Descriptor()
}

// Child attaches c under name and returns it.
func (m *Module) Child(name string, c *Module) *Module {
	m.children = append(m.children, child{name: name, m: c})
	return c
}

// Named is a fully qualified name paired with its current tensor.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// Index is the flattened name to slot mapping. It is built once per tree and
// never re-walks the hierarchy.
type Index struct {
	params  []*Slot
	buffers []*Slot
	byName  map[string]*Slot
}

func (ix *Index) Len() int { return len(ix.byName) }

// Slot looks up a fully qualified name.
func (ix *Index) Slot(name string) (*Slot, bool) {
	s, ok := ix.byName[name]
	return s, ok
}

// Tree is a module hierarchy with its index and declared aliases.
type Tree struct {
	root *Module

	once  sync.Once
	index *Index
	ierr  error
	mu    sync.RWMutex
	alias map[string]string
}

func NewTree(root *Module) *Tree {
	return &Tree{root: root, alias: map[string]string{}}
}

// Index flattens the hierarchy on first use.
func (t *Tree) Index() (*Index, error) {
	t.once.Do(func() {
		ix := &Index{byName: map[string]*Slot{}}
		t.ierr = flatten(t.root, "", ix)
		t.index = ix
	})
	return t.index, t.ierr
}

func flatten(m *Module, prefix string, ix *Index) error {
	add := func(s *Slot, list *[]*Slot) error {
		full := prefix + s.Name
		if _, dup := ix.byName[full]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateName, full)
		}
		s.Name = full
		ix.byName[full] = s
		*list = append(*list, s)
		return nil
	}
	for _, s := range m.params {
		if err := add(s, &ix.params); err != nil {
			return err
		}
	}
	for _, s := range m.buffers {
		if err := add(s, &ix.buffers); err != nil {
			return err
		}
	}
	for _, c := range m.children {
		if err := flatten(c.m, prefix+c.name+".", ix); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) mustIndex() *Index {
	ix, err := t.Index()
	if err != nil {
		return &Index{byName: map[string]*Slot{}}
	}
	return ix
}

// Parameters returns parameters in declaration order.
func (t *Tree) Parameters() []Named { return t.named(t.mustIndex().params) }

// Buffers returns registered buffers in declaration order.
func (t *Tree) Buffers() []Named { return t.named(t.mustIndex().buffers) }

func (t *Tree) named(slots []*Slot) []Named {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Named, len(slots))
	for i, s := range slots {
		out[i] = Named{Name: s.Name, Tensor: s.Tensor}
	}
	return out
}

// Lookup returns the tensor currently bound to name.
func (t *Tree) Lookup(name string) (*tensor.Tensor, bool) {
	s, ok := t.mustIndex().Slot(name)
	if !ok {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return s.Tensor, true
}

// Declared returns the geometry name was declared with.
func (t *Tree) Declared(name string) (tensor.Descriptor, bool) {
	s, ok := t.mustIndex().Slot(name)
	if !ok {
		return tensor.Descriptor{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := s.Want
	d.Shape = append([]int64(nil), s.Want.Shape...)
	return d, true
}

// Rebind replaces the tensor at name.
func (t *Tree) Rebind(name string, v *tensor.Tensor) error {
	ix, err := t.Index()
	if err != nil {
		return err
	}
	s, ok := ix.Slot(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	t.mu.Lock()
	s.Tensor = v
	t.mu.Unlock()
	return nil
}

// Tie binds alias to the tensor of target and records the declaration.
// Both names stay in the index, so an export sees the same region twice.
func (t *Tree) Tie(alias, target string) error {
	ix, err := t.Index()
	if err != nil {
		return err
	}
	src, ok := ix.Slot(target)
	if !ok {
		return fmt.Errorf("%w: tie target %s", ErrUnknownName, target)
	}
	dst, ok := ix.Slot(alias)
	if !ok {
		return fmt.Errorf("%w: tie alias %s", ErrUnknownName, alias)
	}
	t.mu.Lock()
	dst.Tensor = src.Tensor
	dst.Want = src.Want
	t.alias[alias] = target
	t.mu.Unlock()
	return nil
}

// Aliases returns a copy of the declared alias to target map.
func (t *Tree) Aliases() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.alias))
	for k, v := range t.alias {
		out[k] = v
	}
	return out
}

// DeclareAliases records ties without rebinding, as an importer does when
// both names already resolve to the same shared region.
func (t *Tree) DeclareAliases(a map[string]string) {
	t.mu.Lock()
	for k, v := range a {
		t.alias[k] = v
	}
	t.mu.Unlock()
}

// Tied reports whether a and b are declared aliases of each other, directly
// or through a common target.
func (t *Tree) Tied(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root := func(n string) string {
		for i := 0; i < len(t.alias); i++ {
			next, ok := t.alias[n]
			if !ok {
				break
			}
			n = next
		}
		return n
	}
	return root(a) == root(b)
}

// Names returns every indexed name, sorted.
func (t *Tree) Names() []string {
	ix := t.mustIndex()
	out := make([]string, 0, ix.Len())
	for n := range ix.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Leaf returns the last dotted component of a qualified name.
func Leaf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
