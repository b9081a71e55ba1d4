package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"paykit/crypto"
)

// MemoryTransport is the in-process test double for the directory object
// API. Writes are checked against the owner's keypair the way a real
// directory checks the signing key.
type MemoryTransport struct {
	mu    sync.RWMutex
	trees map[crypto.Pubkey]map[string][]byte
}

// NewMemoryTransport builds an empty directory.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{trees: make(map[crypto.Pubkey]map[string][]byte)}
}

func (m *MemoryTransport) Put(_ context.Context, owner *crypto.KeyPair, path string, data []byte) error {
	if owner == nil {
		return errors.New("directory: put requires the owner keypair")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[owner.Pubkey()]
	if !ok {
		tree = make(map[string][]byte)
		m.trees[owner.Pubkey()] = tree
	}
	tree[path] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryTransport) Get(_ context.Context, owner crypto.Pubkey, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.trees[owner][path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryTransport) List(_ context.Context, owner crypto.Pubkey, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for path := range m.trees[owner] {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Drop removes one object without an owner signature, so a listing can be
// made to omit an entry the way an eventually consistent directory may.
func (m *MemoryTransport) Drop(owner crypto.Pubkey, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trees[owner], path)
}
