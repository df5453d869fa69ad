package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Node operations, keyed by 64-bit address string.
	SaveNode(node *NodeRecord) error
	GetNode(addr64 string) (*NodeRecord, error)
	DeleteNode(addr64 string) error
	ListNodes() ([]*NodeRecord, error)

	// UpdateNode atomically reads, modifies, and saves a node in a single
	// transaction. Returns ErrNotFound if the node does not exist.
	UpdateNode(addr64 string, fn func(node *NodeRecord) error) error

	// Route table snapshots, keyed by the owning node's 64-bit address.
	SaveRoutes(rec *RouteRecord) error
	GetRoutes(addr64 string) (*RouteRecord, error)
	DeleteRoutes(addr64 string) error
	ListRoutes() ([]*RouteRecord, error)

	// Close the store
	Close() error
}
