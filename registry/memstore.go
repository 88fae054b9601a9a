package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory registry tree. It backs offline scans of a
// snapshot and keeps count of open handles so leaks are observable.
type MemStore struct {
	mu      sync.Mutex
	roots   map[Hive]*MemKey
	open    int
	opened  int
	views   []View
	attempt []View
}

// MemKey is a node of a MemStore tree.
type MemKey struct {
	name         string
	owner        string
	denied       bool
	deniedViews  map[View]bool
	lastWrite    time.Time
	values       []Value
	children     []*MemKey
	failValueAt  int
	failSubKeyAt int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{roots: make(map[Hive]*MemKey), views: defaultViews}
}

// SetViews overrides the view sequence reported to openers.
func (s *MemStore) SetViews(views ...View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append([]View(nil), views...)
}

func (s *MemStore) Views() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views
}

// CreateKey returns the key at a hive-qualified path, creating it and any
// missing ancestors.
func (s *MemStore) CreateKey(path string) (*MemKey, error) {
	hive, sub, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.roots[hive]
	if node == nil {
		node = newMemKey(hive.String())
		s.roots[hive] = node
	}
	if sub == "" {
		return node, nil
	}
	for _, part := range strings.Split(sub, `\`) {
		if part == "" {
			continue
		}
		child := node.child(part)
		if child == nil {
			child = newMemKey(part)
			node.children = append(node.children, child)
		}
		node = child
	}
	return node, nil
}

// MustCreateKey is CreateKey for fixtures with known-good paths.
func (s *MemStore) MustCreateKey(path string) *MemKey {
	k, err := s.CreateKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

func (s *MemStore) lookup(hive Hive, sub string) *MemKey {
	node := s.roots[hive]
	if node == nil || sub == "" {
		return node
	}
	for _, part := range strings.Split(sub, `\`) {
		if part == "" {
			continue
		}
		node = node.child(part)
		if node == nil {
			return nil
		}
	}
	return node
}

func (s *MemStore) OpenKey(hive Hive, path string, view View) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = append(s.attempt, view)
	node := s.lookup(hive, path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, FullPath(hive, path))
	}
	if node.denied || node.deniedViews[view] {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAccessDenied, FullPath(hive, path), view)
	}
	s.open++
	s.opened++
	return &memHandle{store: s, node: node}, nil
}

func (s *MemStore) Owner(hive Hive, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.lookup(hive, path)
	if node == nil {
		return "", ErrNotFound
	}
	if node.owner == "" {
		return "", errors.New("owner unknown")
	}
	return node.owner, nil
}

// OpenHandles reports how many handles are currently open.
func (s *MemStore) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// TotalOpened reports how many successful opens the store has served.
func (s *MemStore) TotalOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// OpenAttempts returns the views requested by every OpenKey call so far.
func (s *MemStore) OpenAttempts() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]View(nil), s.attempt...)
}

func newMemKey(name string) *MemKey {
	return &MemKey{name: name, failValueAt: -1, failSubKeyAt: -1}
}

func (k *MemKey) child(name string) *MemKey {
	for _, c := range k.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

func (k *MemKey) Name() string { return k.name }

func (k *MemKey) SetOwner(owner string) *MemKey {
	k.owner = owner
	return k
}

// Deny makes every open of this key fail.
func (k *MemKey) Deny() *MemKey {
	k.denied = true
	return k
}

// DenyView makes opens of this key through view fail.
func (k *MemKey) DenyView(view View) *MemKey {
	if k.deniedViews == nil {
		k.deniedViews = make(map[View]bool)
	}
	k.deniedViews[view] = true
	return k
}

func (k *MemKey) SetLastWrite(t time.Time) *MemKey {
	k.lastWrite = t
	return k
}

// FailValueAt makes value enumeration fail at index i.
func (k *MemKey) FailValueAt(i int) *MemKey {
	k.failValueAt = i
	return k
}

// FailSubKeyAt makes subkey name resolution fail at index i.
func (k *MemKey) FailSubKeyAt(i int) *MemKey {
	k.failSubKeyAt = i
	return k
}

// SetValue stores v, replacing a value with the same name.
func (k *MemKey) SetValue(v Value) *MemKey {
	for i := range k.values {
		if strings.EqualFold(k.values[i].Name, v.Name) {
			k.values[i] = v
			return k
		}
	}
	k.values = append(k.values, v)
	return k
}

func (k *MemKey) SetString(name, data string) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeString, String: data})
}

func (k *MemKey) SetExpandString(name, data string) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeExpandString, String: data})
}

func (k *MemKey) SetMultiString(name string, data []string) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeMultiString, Strings: append([]string(nil), data...)})
}

func (k *MemKey) SetDWord(name string, data uint32) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeDWord, Integer: uint64(data)})
}

func (k *MemKey) SetQWord(name string, data uint64) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeQWord, Integer: data})
}

func (k *MemKey) SetBinary(name string, data []byte) *MemKey {
	return k.SetValue(Value{Name: name, Type: TypeBinary, Binary: append([]byte(nil), data...)})
}

type memHandle struct {
	store  *MemStore
	node   *MemKey
	closed bool
}

func (h *memHandle) Info() (KeyInfo, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return KeyInfo{
		SubKeyCount: len(h.node.children),
		ValueCount:  len(h.node.values),
		LastWrite:   h.node.lastWrite,
	}, nil
}

func (h *memHandle) EnumValue(index int) (Value, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if index == h.node.failValueAt {
		return Value{}, fmt.Errorf("value %d of %s is unreadable", index, h.node.name)
	}
	if index < 0 || index >= len(h.node.values) {
		return Value{}, ErrNoMoreItems
	}
	return h.node.values[index], nil
}

func (h *memHandle) EnumSubKey(index int) (string, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if index == h.node.failSubKeyAt {
		return "", fmt.Errorf("subkey %d of %s is unreadable", index, h.node.name)
	}
	if index < 0 || index >= len(h.node.children) {
		return "", ErrNoMoreItems
	}
	return h.node.children[index].name, nil
}

func (h *memHandle) Close() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.closed {
		return errors.New("handle already closed")
	}
	h.closed = true
	h.store.open--
	return nil
}
