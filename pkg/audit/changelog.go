// Package audit records committed graph changes as an append-only JSON
// lines log and queries it back.
//
// ChangeLog is a graph.CommitListener: every entity of a committed
// transaction becomes one Event. Events are never rewritten; Reader scans
// the file and filters.
//
// Example:
//
//	cl, err := audit.NewChangeLog(audit.Config{LogPath: "/var/lib/graph/audit.log"})
//	if err != nil {
//		return err
//	}
//	defer cl.Close()
//	db.AddListener(cl)
//
//	res, err := audit.NewReader(cl.Path()).Query(audit.Query{EntityType: "Person"})
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/metrics"
)

// ErrClosed is returned by a closed change log.
var ErrClosed = errors.New("audit log is closed")

// Action is what happened to an entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func actionOf(k graph.ChangeKind) Action {
	switch k {
	case graph.ChangeCreated:
		return ActionCreate
	case graph.ChangeDeleted:
		return ActionDelete
	}
	return ActionUpdate
}

// Event is one entity change of a committed transaction.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TxID      string    `json:"tx_id"`
	UserID    string    `json:"user_id,omitempty"`

	Action Action `json:"action"`
	// Resource is "node" or "relationship".
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id"`
	EntityType string `json:"entity_type"`
	// Passive marks relationships deleted along with a node.
	Passive bool `json:"passive,omitempty"`

	// Keys lists the changed properties, sorted.
	Keys     []string       `json:"keys,omitempty"`
	Previous map[string]any `json:"previous,omitempty"`
	SyncKeys []string       `json:"sync_keys,omitempty"`
}

// Config holds change log settings.
type Config struct {
	LogPath string
	// SyncWrites fsyncs after every committed transaction.
	SyncWrites bool
}

// ChangeLog writes committed changes.
type ChangeLog struct {
	mu     sync.Mutex
	writer io.Writer
	file   *os.File
	config Config
	closed bool
}

var _ graph.CommitListener = (*ChangeLog)(nil)

// NewChangeLog opens, or creates, the log file in append mode.
func NewChangeLog(config Config) (*ChangeLog, error) {
	if err := os.MkdirAll(filepath.Dir(config.LogPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &ChangeLog{writer: file, file: file, config: config}, nil
}

// NewChangeLogWithWriter writes to w instead of a file.
func NewChangeLogWithWriter(w io.Writer) *ChangeLog {
	return &ChangeLog{writer: w}
}

// Path returns the log file path, empty for writer-backed logs.
func (l *ChangeLog) Path() string { return l.config.LogPath }

// Committed appends one event per change. The events of a transaction
// share its timestamp and id.
func (l *ChangeLog) Committed(_ context.Context, cs *graph.ChangeSet) error {
	if len(cs.Changes) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	var buf []byte
	for _, c := range cs.Changes {
		data, err := json.Marshal(eventOf(cs, c))
		if err != nil {
			return fmt.Errorf("marshaling audit event: %w", err)
		}
		buf = append(append(buf, data...), '\n')
	}
	if _, err := l.writer.Write(buf); err != nil {
		return fmt.Errorf("writing audit events: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}
	metrics.AuditEvents.Add(float64(len(cs.Changes)))
	return nil
}

func eventOf(cs *graph.ChangeSet, c graph.Change) Event {
	e := Event{
		ID:         uuid.NewString(),
		Timestamp:  cs.Time,
		TxID:       cs.TxID,
		UserID:     cs.User,
		Action:     actionOf(c.Kind),
		Resource:   "relationship",
		ResourceID: c.UUID,
		EntityType: c.Type,
		Passive:    c.Passive,
		Previous:   c.Previous,
		SyncKeys:   cs.SyncKeys,
	}
	if c.Node {
		e.Resource = "node"
	}
	for k := range c.Previous {
		e.Keys = append(e.Keys, k)
	}
	sort.Strings(e.Keys)
	return e
}

// Close closes the file. Later commits fail with ErrClosed.
func (l *ChangeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query filters events. Zero fields match everything.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	Actions    []Action
	UserID     string
	ResourceID string
	EntityType string
	TxID       string
	Limit      int
	Offset     int
}

func (q Query) matches(e Event) bool {
	switch {
	case !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime):
	case !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime):
	case len(q.Actions) > 0 && !slices.Contains(q.Actions, e.Action):
	case q.UserID != "" && e.UserID != q.UserID:
	case q.ResourceID != "" && e.ResourceID != q.ResourceID:
	case q.EntityType != "" && e.EntityType != q.EntityType:
	case q.TxID != "" && e.TxID != q.TxID:
	default:
		return true
	}
	return false
}

// QueryResult is one page of matching events in log order.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// maxLineSize bounds a single event line.
const maxLineSize = 16 << 20

// Reader reads a change log file.
type Reader struct {
	path string
}

// NewReader returns a reader of path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the log. A missing file is an empty log; malformed lines are
// skipped.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &QueryResult{Events: []Event{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	events := []Event{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if q.matches(e) {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	total := len(events)
	if q.Offset > 0 {
		events = events[min(q.Offset, total):]
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    q.Offset+len(events) < total,
	}, nil
}

// History returns every event of one entity, oldest first.
func (r *Reader) History(resourceID string) ([]Event, error) {
	res, err := r.Query(Query{ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}
