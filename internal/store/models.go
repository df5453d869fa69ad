package store

import (
	"time"

	"xbee-topology/internal/zdo"
)

// NodeRecord is one discovered node and its last known descriptor.
type NodeRecord struct {
	Addr64      string              `json:"addr64"`
	Addr16      uint16              `json:"addr16"`
	Descriptor  *zdo.NodeDescriptor `json:"descriptor,omitempty"`
	FirstSeen   time.Time           `json:"first_seen"`
	LastScanned time.Time           `json:"last_scanned"`
}

// RouteRecord is the routing table captured from one node.
type RouteRecord struct {
	Addr64    string      `json:"addr64"`
	Routes    []zdo.Route `json:"routes"`
	ScannedAt time.Time   `json:"scanned_at"`
}
