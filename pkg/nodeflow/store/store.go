// Package store provides the document persistence used by nodeflow graphs.
//
// Documents are opaque JSON blobs grouped into named collections. The
// engine uses four collections:
//
//	definitions  versioned plugin sources, one document per key
//	ports        persisted port values, id "<nodeID>.<port>"
//	keys         persisted keys port values, kept apart from config
//	workspaces   saved node and edge lists
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known collection names.
const (
	CollectionDefinitions = "definitions"
	CollectionPorts       = "ports"
	CollectionKeys        = "keys"
	CollectionWorkspaces  = "workspaces"
)

// Store persists documents.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a document.
	// Returns ErrNotFound if the document doesn't exist.
	Get(collection, id string) (Document, error)

	// Put creates or overwrites the document with doc.ID.
	Put(collection string, doc Document) error

	// Delete removes a document.
	// Returns nil if the document doesn't exist.
	Delete(collection, id string) error

	// List returns every document in a collection ordered by ID.
	// Returns an empty slice (not error) for an unknown collection.
	List(collection string) ([]Document, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Document is a stored JSON value.
type Document struct {
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a document doesn't exist.
	ErrNotFound = errors.New("document not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")

	// ErrEmptyID indicates a Put without a document ID.
	ErrEmptyID = errors.New("document id is required")
)

// GetJSON loads a document and decodes it into v.
func GetJSON(s Store, collection, id string, v any) error {
	doc, err := s.Get(collection, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// PutJSON encodes v and stores it under id.
func PutJSON(s Store, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return s.Put(collection, Document{ID: id, Data: data})
}

// PortID returns the document id of a persisted port value.
func PortID(nodeID, port string) string {
	return nodeID + "." + port
}
