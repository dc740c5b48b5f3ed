package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for tests and ephemeral graphs.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]Document // collection -> id -> doc
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]Document),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Document{}, ErrStoreClosed
	}

	doc, ok := m.data[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

// Put implements Store.
func (m *MemoryStore) Put(collection string, doc Document) error {
	if doc.ID == "" {
		return ErrEmptyID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if m.data[collection] == nil {
		m.data[collection] = make(map[string]Document)
	}
	stored := copyDocument(doc)
	stored.UpdatedAt = time.Now().UTC()
	m.data[collection][doc.ID] = stored
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data[collection], id)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	docs := make([]Document, 0, len(m.data[collection]))
	for _, doc := range m.data[collection] {
		docs = append(docs, copyDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of documents in a collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[collection])
}

func copyDocument(doc Document) Document {
	data := make([]byte, len(doc.Data))
	copy(data, doc.Data)
	doc.Data = data
	return doc
}
