package tidekv

// comparator.go implements the comparator registry.
//
// A comparator defines the total order of user keys in a column family. It
// is chosen by name at creation and recorded in config.ini, the MANIFEST
// and every table, so it can never change afterwards.

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/aalhour/tidekv/internal/dbformat"
)

// Comparator orders user keys. Compare must be a total order and must not
// depend on mutable state. A panic in Compare is not recovered.
type Comparator = dbformat.Comparator

// ComparatorFunc adapts a function to Comparator.
func ComparatorFunc(name string, cmp func(a, b []byte) int) Comparator {
	return funcComparator{name: name, cmp: cmp}
}

type funcComparator struct {
	name string
	cmp  func(a, b []byte) int
}

func (c funcComparator) Name() string            { return c.name }
func (c funcComparator) Compare(a, b []byte) int { return c.cmp(a, b) }

// namedComparator presents cmp under a registered name.
type namedComparator struct {
	name string
	Comparator
}

func (c namedComparator) Name() string        { return c.name }
func (c namedComparator) PrefixOrdered() bool { return dbformat.IsPrefixOrdered(c.Comparator) }
func (c namedComparator) ByteEqual() bool     { return dbformat.IsByteEqual(c.Comparator) }

type lexicographic struct{}

func (lexicographic) Name() string { return "lexicographic" }

// Compare orders by bytes, shorter keys first on a common prefix.
func (lexicographic) Compare(a, b []byte) int {
	n := min(len(a), len(b))
	if c := bytes.Compare(a[:n], b[:n]); c != 0 {
		return c
	}
	return len(a) - len(b)
}
func (lexicographic) PrefixOrdered() bool { return true }
func (lexicographic) ByteEqual() bool     { return true }

type uint64Comparator struct{}

func (uint64Comparator) Name() string { return "uint64" }
func (uint64Comparator) Compare(a, b []byte) int {
	if len(a) == 8 && len(b) == 8 {
		x, y := binary.BigEndian.Uint64(a), binary.BigEndian.Uint64(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}
func (uint64Comparator) PrefixOrdered() bool { return true }
func (uint64Comparator) ByteEqual() bool     { return true }

// int64Comparator is not prefix ordered: truncating a negative key loses its
// sign.
type int64Comparator struct{}

func (int64Comparator) Name() string { return "int64" }
func (int64Comparator) Compare(a, b []byte) int {
	if len(a) == 8 && len(b) == 8 {
		x, y := int64(binary.BigEndian.Uint64(a)), int64(binary.BigEndian.Uint64(b))
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}
func (int64Comparator) ByteEqual() bool { return true }

type reverseComparator struct{}

func (reverseComparator) Name() string            { return "reverse" }
func (reverseComparator) Compare(a, b []byte) int { return bytes.Compare(b, a) }
func (reverseComparator) PrefixOrdered() bool     { return true }
func (reverseComparator) ByteEqual() bool         { return true }

type caseInsensitive struct{}

func (caseInsensitive) Name() string { return "case_insensitive" }
func (caseInsensitive) Compare(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		x, y := lower(a[i]), lower(b[i])
		if x != y {
			return int(x) - int(y)
		}
	}
	return len(a) - len(b)
}
func (caseInsensitive) PrefixOrdered() bool { return true }

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func builtinComparators() []Comparator {
	return []Comparator{
		dbformat.Bytewise,
		lexicographic{},
		uint64Comparator{},
		int64Comparator{},
		reverseComparator{},
		caseInsensitive{},
	}
}

// comparatorRegistry maps names to comparators for one engine.
type comparatorRegistry struct {
	mu sync.RWMutex
	m  map[string]Comparator
}

func newComparatorRegistry() *comparatorRegistry {
	r := &comparatorRegistry{m: make(map[string]Comparator)}
	for _, c := range builtinComparators() {
		r.m[c.Name()] = c
	}
	return r
}

func (r *comparatorRegistry) register(name string, c Comparator) error {
	if name == "" || c == nil {
		return errorf(CodeInvalidArgs, "register comparator", "name and comparator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return errorf(CodeExists, "register comparator", "comparator "+name+" already registered")
	}
	if c.Name() != name {
		c = namedComparator{name: name, Comparator: c}
	}
	r.m[name] = c
	return nil
}

func (r *comparatorRegistry) get(name string) (Comparator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[name]
	if !ok {
		return nil, errorf(CodeNotFound, "get comparator", "comparator "+name+" not registered")
	}
	return c, nil
}

func (r *comparatorRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
