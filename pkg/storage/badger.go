package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/graphobjects/pkg/convert"
)

// Key prefixes. Ids are big-endian so iteration order is id order.
//
//   - Nodes: 0x01 + nodeID -> JSON(storedNode)
//   - Edges: 0x02 + edgeID -> JSON(storedEdge)
//   - Label index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing index: 0x04 + nodeID + edgeID -> empty
//   - Incoming index: 0x05 + nodeID + edgeID -> empty
//   - Id sequences: 0x10 + 'n' | 'e'
const (
	prefixNode          = byte(0x01)
	prefixEdge          = byte(0x02)
	prefixLabelIndex    = byte(0x03)
	prefixOutgoingIndex = byte(0x04)
	prefixIncomingIndex = byte(0x05)
	prefixSequence      = byte(0x10)
)

const sequenceBandwidth = 256

// BadgerEngine is a persistent Engine backed by BadgerDB.
type BadgerEngine struct {
	db     *badger.DB
	writer sync.Mutex

	seqMu   sync.Mutex
	nodeSeq *badger.Sequence
	edgeSeq *badger.Sequence

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs after every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil silences it.
	Logger badger.Logger

	// LowMemory shrinks memtables and caches for constrained hosts.
	LowMemory bool
}

// NewBadgerEngine opens a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory opens an engine that keeps data in RAM only.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens an engine with custom settings.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    "./data/graph",
//		SyncWrites: true,
//		Logger:     storage.NewBadgerLogger(slog.Default()),
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		return nil, fmt.Errorf("%w: data directory required", ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithValueThreshold(1024).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	nodeSeq, err := db.GetSequence([]byte{prefixSequence, 'n'}, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node sequence: %w", err)
	}
	edgeSeq, err := db.GetSequence([]byte{prefixSequence, 'e'}, sequenceBandwidth)
	if err != nil {
		nodeSeq.Release()
		db.Close()
		return nil, fmt.Errorf("edge sequence: %w", err)
	}

	return &BadgerEngine{db: db, nodeSeq: nodeSeq, edgeSeq: edgeSeq}, nil
}

// Begin opens a transaction. Write transactions are serialized by the
// engine so commits never conflict.
func (b *BadgerEngine) Begin(update bool) (Transaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	if update {
		b.writer.Lock()
	}
	return &badgerTx{engine: b, txn: b.db.NewTransaction(update), update: update}, nil
}

// Stats counts committed nodes and edges.
func (b *BadgerEngine) Stats() (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Stats{}, ErrStorageClosed
	}
	var s Stats
	err := b.db.View(func(txn *badger.Txn) error {
		s.Nodes = countPrefix(txn, []byte{prefixNode})
		s.Edges = countPrefix(txn, []byte{prefixEdge})
		return nil
	})
	return s, err
}

// Close releases sequences and closes the database.
func (b *BadgerEngine) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		for _, seq := range []*badger.Sequence{b.nodeSeq, b.edgeSeq} {
			if rerr := seq.Release(); rerr != nil && err == nil {
				err = rerr
			}
		}
		if cerr := b.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (b *BadgerEngine) nextID(seq *badger.Sequence) (uint64, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	for {
		id, err := seq.Next()
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
	}
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, be64(uint64(id))...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, be64(uint64(id))...)
}

func labelPrefix(label string) []byte {
	key := make([]byte, 0, len(label)+2)
	key = append(key, prefixLabelIndex)
	key = append(key, label...)
	return append(key, 0x00)
}

func labelIndexKey(label string, id NodeID) []byte {
	return append(labelPrefix(label), be64(uint64(id))...)
}

func adjacencyPrefix(prefix byte, node NodeID) []byte {
	return append([]byte{prefix}, be64(uint64(node))...)
}

func adjacencyKey(prefix byte, node NodeID, edge EdgeID) []byte {
	return append(adjacencyPrefix(prefix, node), be64(uint64(edge))...)
}

// trailingID decodes the big-endian id at the end of an index key.
func trailingID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// storedNode is the on-disk node layout. Ids live in the key.
type storedNode struct {
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

type storedEdge struct {
	Type       string         `json:"type"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// timeTag marks a time.Time property value in JSON.
const timeTag = "$time"

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{timeTag: x.Format(time.RFC3339Nano)}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = decodeValue(e)
		}
		return out
	case map[string]any:
		if s, ok := x[timeTag].(string); ok && len(x) == 1 {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = decodeValue(e)
		}
		return out
	default:
		return convert.Normalize(v)
	}
}

func encodeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = encodeValue(v)
	}
	return out
}

func decodeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = decodeValue(v)
	}
	return out
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func serializeNode(n *Node) ([]byte, error) {
	return json.Marshal(storedNode{
		Labels:     n.Labels,
		Properties: encodeProps(n.Properties),
		CreatedAt:  n.CreatedAt.UnixNano(),
		UpdatedAt:  n.UpdatedAt.UnixNano(),
	})
}

func deserializeNode(id NodeID, data []byte) (*Node, error) {
	var s storedNode
	if err := unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: node %d: %v", ErrInvalidData, id, err)
	}
	return &Node{
		ID:         id,
		Labels:     s.Labels,
		Properties: decodeProps(s.Properties),
		CreatedAt:  time.Unix(0, s.CreatedAt),
		UpdatedAt:  time.Unix(0, s.UpdatedAt),
	}, nil
}

func serializeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(storedEdge{
		Type:       e.Type,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Properties: encodeProps(e.Properties),
		CreatedAt:  e.CreatedAt.UnixNano(),
		UpdatedAt:  e.UpdatedAt.UnixNano(),
	})
}

func deserializeEdge(id EdgeID, data []byte) (*Edge, error) {
	var s storedEdge
	if err := unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: edge %d: %v", ErrInvalidData, id, err)
	}
	return &Edge{
		ID:         id,
		Type:       s.Type,
		StartNode:  s.StartNode,
		EndNode:    s.EndNode,
		Properties: decodeProps(s.Properties),
		CreatedAt:  time.Unix(0, s.CreatedAt),
		UpdatedAt:  time.Unix(0, s.UpdatedAt),
	}, nil
}

// badgerLogger routes BadgerDB logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

// NewBadgerLogger adapts an slog logger for BadgerOptions.Logger. Badger's
// info chatter is logged at debug level.
func NewBadgerLogger(l *slog.Logger) badger.Logger {
	return &badgerLogger{log: l.With("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
