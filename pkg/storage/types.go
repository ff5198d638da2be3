// Package storage provides the transactional property-graph store that graph
// objects are persisted in.
//
// Two engines implement the Engine interface:
//   - MemoryEngine: map-backed, for tests and ephemeral databases
//   - BadgerEngine: persistent, backed by BadgerDB
//
// All access goes through a Transaction. A write transaction sees its own
// uncommitted changes; nothing becomes visible to other transactions until
// Commit. Rollback discards everything. Only one write transaction is open at
// a time per engine; read transactions run concurrently and see committed
// data only.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	tx, _ := engine.Begin(true)
//	alice, _ := tx.CreateNode([]string{"Person"}, map[string]any{"name": "Alice"})
//	bob, _ := tx.CreateNode([]string{"Person"}, map[string]any{"name": "Bob"})
//	tx.CreateEdge(alice, bob, "KNOWS", nil)
//	if err := tx.Commit(); err != nil {
//		return err
//	}
//
// Property values are restricted to what survives a JSON round trip: nil,
// bool, string, int64, float64, time.Time, and slices or maps of those.
// Integers of other widths are widened to int64 on write.
package storage

import (
	"errors"
	"time"
)

// Errors returned by engines and transactions.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidID           = errors.New("invalid id")
	ErrInvalidData         = errors.New("invalid data")
	ErrInvalidEdge         = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed       = errors.New("storage closed")
	ErrTransactionClosed   = errors.New("transaction already closed")
	ErrReadOnlyTransaction = errors.New("transaction is read-only")
	ErrNodeHasEdges        = errors.New("node still has relationships")
)

// NodeID identifies a node. Zero is never assigned.
type NodeID uint64

// EdgeID identifies an edge. Zero is never assigned.
type EdgeID uint64

// Node is a stored node.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a stored, directed relationship.
type Edge struct {
	ID         EdgeID         `json:"id"`
	Type       string         `json:"type"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.StartNode == id {
		return e.EndNode
	}
	return e.StartNode
}

// Direction selects edges relative to a node.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "both"
	}
}

// Stats describes engine contents.
type Stats struct {
	Nodes int64
	Edges int64
}

// Engine opens transactions against a graph store.
type Engine interface {
	// Begin opens a transaction. Write transactions are serialized; Begin
	// blocks while another write transaction is open.
	Begin(update bool) (Transaction, error)
	Stats() (Stats, error)
	Close() error
}

// Transaction is the unit of work against an Engine. Returned nodes and
// edges are copies; mutate through the transaction.
type Transaction interface {
	Update() bool

	CreateNode(labels []string, props map[string]any) (NodeID, error)
	GetNode(id NodeID) (*Node, error)
	SetNodeProperty(id NodeID, key string, value any) error
	RemoveNodeProperty(id NodeID, key string) error
	// DeleteNode fails with ErrNodeHasEdges while edges are attached.
	DeleteNode(id NodeID) error

	CreateEdge(start, end NodeID, relType string, props map[string]any) (EdgeID, error)
	GetEdge(id EdgeID) (*Edge, error)
	SetEdgeProperty(id EdgeID, key string, value any) error
	RemoveEdgeProperty(id EdgeID, key string) error
	DeleteEdge(id EdgeID) error

	// Edges lists edges attached to node, ordered by id. An empty relType
	// matches every type.
	Edges(node NodeID, dir Direction, relType string) ([]*Edge, error)
	// NodesByLabel lists node ids carrying label in ascending order.
	NodesByLabel(label string) ([]NodeID, error)
	AllNodes() ([]NodeID, error)

	Commit() error
	Rollback() error
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue converts v to the form engines store and return: integers
// widen to int64, float32 to float64, and slices and maps are copied.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeValue(e)
		}
		return out
	case map[string]any:
		return copyProps(x)
	default:
		return v
	}
}

func (n *Node) clone() *Node {
	c := *n
	c.Labels = append([]string(nil), n.Labels...)
	c.Properties = copyProps(n.Properties)
	return &c
}

func (e *Edge) clone() *Edge {
	c := *e
	c.Properties = copyProps(e.Properties)
	return &c
}

func matchEdge(e *Edge, node NodeID, dir Direction, relType string) bool {
	if relType != "" && e.Type != relType {
		return false
	}
	switch dir {
	case Outgoing:
		return e.StartNode == node
	case Incoming:
		return e.EndNode == node
	default:
		return e.StartNode == node || e.EndNode == node
	}
}
