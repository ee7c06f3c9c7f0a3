// Package storage provides document store backends (in-memory, PostgreSQL and
// Firestore) and the typed Store the commerce service reads and writes through.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a document is not found
	ErrConflict = errors.New("conflict")  // Returned when a conditional update loses
)

// Document is a stored document and its id within its collection.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// MutateFunc receives the current document (nil when absent) and returns the
// document to write. Returning an error aborts the write and is passed through.
type MutateFunc func(current map[string]interface{}) (map[string]interface{}, error)

// Documents is a collection/document store with Firestore semantics.
// Collection paths may be nested, e.g. "userPurchases/{uid}/purchases".
type Documents interface {
	Get(ctx context.Context, collection, id string) (map[string]interface{}, error) // ErrNotFound when absent
	Set(ctx context.Context, collection, id string, data map[string]interface{}) error // Create or overwrite
	Delete(ctx context.Context, collection, id string) error
	Where(ctx context.Context, collection, field string, value interface{}) ([]Document, error) // Equality filter
	List(ctx context.Context, collection string) ([]Document, error)
	// Mutate performs an atomic read-modify-write of a single document.
	Mutate(ctx context.Context, collection, id string, fn MutateFunc) error
	Ping(ctx context.Context) error
	Close() error
}

// memory implements Documents using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu   sync.RWMutex                                 // Protects concurrent access to maps
	data map[string]map[string]map[string]interface{} // collection -> id -> document
}

// NewMemory creates a new in-memory document store.
func NewMemory() Documents {
	return &memory{data: make(map[string]map[string]map[string]interface{})}
}

func (m *memory) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc)
}

func (m *memory) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	doc, err := clone(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, doc)
	return nil
}

func (m *memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[collection], id)
	return nil
}

func (m *memory) Where(ctx context.Context, collection, field string, value interface{}) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for id, doc := range m.data[collection] {
		if !equalJSON(doc[field], value) {
			continue
		}
		c, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: id, Data: c})
	}
	sortDocuments(out)
	return out, nil
}

func (m *memory) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Document, 0, len(m.data[collection]))
	for id, doc := range m.data[collection] {
		c, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: id, Data: c})
	}
	sortDocuments(out)
	return out, nil
}

func (m *memory) Mutate(ctx context.Context, collection, id string, fn MutateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current map[string]interface{}
	if doc, ok := m.data[collection][id]; ok {
		c, err := clone(doc)
		if err != nil {
			return err
		}
		current = c
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	doc, err := clone(next)
	if err != nil {
		return err
	}
	m.put(collection, id, doc)
	return nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() error { return nil }

func (m *memory) put(collection, id string, doc map[string]interface{}) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]map[string]interface{})
	}
	m.data[collection][id] = doc
}

// clone deep-copies a document through JSON so the memory store hands out the
// same value shapes (float64 numbers, RFC 3339 strings) as the JSONB backend.
func clone(doc map[string]interface{}) (map[string]interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// equalJSON compares a stored value with a filter value after JSON normalization.
func equalJSON(stored, want interface{}) bool {
	a, err1 := json.Marshal(stored)
	b, err2 := json.Marshal(want)
	return err1 == nil && err2 == nil && string(a) == string(b)
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
