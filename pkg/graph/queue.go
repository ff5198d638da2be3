package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/treeset"
	"go.uber.org/multierr"

	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/metrics"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// DefaultMaxInnerCallbackPasses bounds the inner callback fixed point.
const DefaultMaxInnerCallbackPasses = 100

// DefaultSlowPhaseThreshold is the phase duration above which the queue
// logs timing.
const DefaultSlowPhaseThreshold = time.Second

var (
	// ErrCallbackLimit is returned when inner callbacks keep modifying
	// entities past the configured number of passes.
	ErrCallbackLimit = errors.New("inner callbacks did not converge")

	// ErrCallbackPanic wraps a recovered panic from an outer callback.
	ErrCallbackPanic = errors.New("callback panicked")
)

// QueueOptions configures a ModificationQueue.
type QueueOptions struct {
	MaxInnerCallbackPasses int
	SlowPhaseThreshold     time.Duration
	Logger                 *slog.Logger
}

// ModificationQueue collects every entity touched by one transaction and
// drives the callback protocol over them:
//
//	DoInnerCallbacks -> DoValidation -> (commit) -> DoOuterCallbacks -> Clear
//
// States are kept ordered by entity hash so every pass visits entities in
// the same order. The queue belongs to a single transaction; the lock only
// keeps helper calls made from callbacks consistent. Callbacks run without
// the lock held and may touch the queue again.
type ModificationQueue struct {
	mu sync.Mutex

	registry *schema.Registry
	opts     QueueOptions
	log      *slog.Logger

	modifications       *treemap.Map
	alreadyPropagated   *hashset.Set
	synchronizationKeys *treeset.Set

	passes int
}

// NewModificationQueue returns an empty queue.
func NewModificationQueue(registry *schema.Registry, opts QueueOptions) *ModificationQueue {
	if opts.MaxInnerCallbackPasses <= 0 {
		opts.MaxInnerCallbackPasses = DefaultMaxInnerCallbackPasses
	}
	if opts.SlowPhaseThreshold <= 0 {
		opts.SlowPhaseThreshold = DefaultSlowPhaseThreshold
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ModificationQueue{
		registry:            registry,
		opts:                opts,
		log:                 log.With(logger.Scope("modqueue")),
		modifications:       treemap.NewWithStringComparator(),
		alreadyPropagated:   hashset.New(),
		synchronizationKeys: treeset.NewWithStringComparator(),
	}
}

// hash is the stable identity of an entity within a transaction. Ids are
// zero-padded so the ordering follows creation order.
func hash(obj GraphObject) string {
	if obj.IsNode() {
		return fmt.Sprintf("N%020d", obj.ID())
	}
	return fmt.Sprintf("R%020d", obj.ID())
}

// state returns the state for obj, creating it unless create is false.
// Callers hold q.mu.
func (q *ModificationQueue) state(obj GraphObject, create bool) *ModificationState {
	h := hash(obj)
	if v, ok := q.modifications.Get(h); ok {
		return v.(*ModificationState)
	}
	if !create {
		return nil
	}
	s := newModificationState(obj)
	q.modifications.Put(h, s)
	return s
}

// snapshot returns the states in hash order.
func (q *ModificationQueue) snapshot() []*ModificationState {
	q.mu.Lock()
	defer q.mu.Unlock()
	values := q.modifications.Values()
	states := make([]*ModificationState, len(values))
	for i, v := range values {
		states[i] = v.(*ModificationState)
	}
	return states
}

// CreateNode registers a new node.
func (q *ModificationQueue) CreateNode(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(n, true).create()
}

// CreateRelationship registers a new relationship and marks both endpoints
// with the kind of change the relationship type implies.
func (q *ModificationQueue) CreateRelationship(r *Relationship) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(r, true).create()
	q.modifyEndNodes(r)
	if combined, ok := r.Property(schema.KeyCombinedType).(string); ok && combined != "" {
		q.synchronizationKeys.Add(combined)
	}
}

// Modify records a changed property. An empty key marks a generic
// modification. Keys declared with a synchronization key add the
// type.syncKey pair to the synchronization keys.
func (q *ModificationQueue) Modify(obj GraphObject, key string, previous any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.modify(obj, key, previous)
}

func (q *ModificationQueue) modify(obj GraphObject, key string, previous any) {
	q.state(obj, true).modify(key, previous)
	if key == "" || q.registry == nil {
		return
	}
	if def, ok := q.registry.Property(obj.Type(), key); ok && def.RequiresSynchronization() {
		q.synchronizationKeys.Add(obj.Type() + "." + def.SyncKey)
	}
}

// ModifyOwner marks an ownership change on n.
func (q *ModificationQueue) ModifyOwner(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(n, true).modifyOwner()
}

// ModifySecurity marks an access grant change on n.
func (q *ModificationQueue) ModifySecurity(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(n, true).modifySecurity()
}

// ModifyLocation marks a location change on n.
func (q *ModificationQueue) ModifyLocation(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(n, true).modifyLocation()
}

// PropagatedModification marks n as modified because a related node
// changed. Each node is propagated to at most once per transaction, which
// bounds propagation in cyclic graphs by the number of nodes.
func (q *ModificationQueue) PropagatedModification(n *Node) {
	if n == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	h := hash(n)
	if q.alreadyPropagated.Contains(h) {
		return
	}
	q.alreadyPropagated.Add(h)
	q.state(n, true).propagatedModification()
}

// DeleteNode registers a deleted node.
func (q *ModificationQueue) DeleteNode(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(n, true).delete(false, n.Properties())
}

// DeleteRelationship registers a deleted relationship. Passive deletes are
// side effects of deleting a node.
func (q *ModificationQueue) DeleteRelationship(r *Relationship, passive bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(r, true).delete(passive, r.Properties())
	q.modifyEndNodes(r)
}

func (q *ModificationQueue) modifyEndNodes(r *Relationship) {
	start, end := r.StartNode(), r.EndNode()
	for _, n := range []*Node{start, end} {
		if n == nil {
			continue
		}
		s := q.state(n, true)
		switch schema.KindOf(r.RelType()) {
		case schema.KindOwner:
			s.modifyOwner()
		case schema.KindSecurity:
			s.modifySecurity()
		case schema.KindLocation:
			s.modifyLocation()
		default:
			q.modify(n, "", nil)
		}
	}
}

// DoInnerCallbacks runs inner callbacks until a full pass finds no entity
// modified since its last callback. Every dirty entity runs in every pass,
// so the buffer collects all errors. It returns false when any callback
// reported invalid state, and ErrCallbackLimit when the passes exceed the
// configured maximum.
func (q *ModificationQueue) DoInnerCallbacks(sc *SecurityContext, buf *validation.ErrorBuffer) (bool, error) {
	defer q.timed("inner_callbacks")()

	valid := true
	q.passes = 0
	for {
		var dirty []*ModificationState
		for _, s := range q.snapshot() {
			if s.WasModified() {
				dirty = append(dirty, s)
			}
		}
		if len(dirty) == 0 {
			break
		}
		if q.passes >= q.opts.MaxInnerCallbackPasses {
			metrics.InnerCallbackPasses.Observe(float64(q.passes))
			return false, fmt.Errorf("%w after %d passes", ErrCallbackLimit, q.passes)
		}
		q.passes++
		for _, s := range dirty {
			valid = s.doInnerCallback(q, sc, buf) && valid
		}
	}
	metrics.InnerCallbackPasses.Observe(float64(q.passes))
	return valid, nil
}

// Passes returns the number of passes the last DoInnerCallbacks ran.
func (q *ModificationQueue) Passes() int { return q.passes }

// DoValidation validates every entity once and stages index updates for
// the valid ones in batch. It must run after DoInnerCallbacks converged.
func (q *ModificationQueue) DoValidation(sc *SecurityContext, buf *validation.ErrorBuffer, runValidators bool, batch *IndexBatch) bool {
	defer q.timed("validation")()

	valid := true
	for _, s := range q.snapshot() {
		valid = s.doValidationAndIndexing(sc, buf, runValidators, batch) && valid
	}
	return valid
}

// DoOuterCallbacks runs the after-commit hooks of every entity that was
// not deleted. Failures and panics are logged and do not stop the other
// callbacks; the combined error is returned for reporting only.
func (q *ModificationQueue) DoOuterCallbacks(sc *SecurityContext) error {
	defer q.timed("outer_callbacks")()

	var errs error
	for _, s := range q.snapshot() {
		if s.IsDeleted() {
			continue
		}
		if err := s.doOuterCallback(sc); err != nil {
			metrics.OuterCallbackFailures.Inc()
			q.log.Warn("outer callback failed", logger.Entity(s.obj.Type(), s.obj.UUID()), logger.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Clear discards all states, the propagation set and the synchronization
// keys.
func (q *ModificationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.modifications.Clear()
	q.alreadyPropagated.Clear()
	q.synchronizationKeys.Clear()
	q.passes = 0
}

// SynchronizationKeys returns the touched type.syncKey pairs and combined
// relationship types in sorted order.
func (q *ModificationQueue) SynchronizationKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	values := q.synchronizationKeys.Values()
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = v.(string)
	}
	return keys
}

// State returns the state of obj, if it was touched.
func (q *ModificationQueue) State(obj GraphObject) (*ModificationState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.state(obj, false)
	return s, s != nil
}

// States returns all states in hash order.
func (q *ModificationQueue) States() []*ModificationState {
	return q.snapshot()
}

// Len returns the number of touched entities.
func (q *ModificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.modifications.Size()
}

func (q *ModificationQueue) timed(phase string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		metrics.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
		if d > q.opts.SlowPhaseThreshold {
			q.log.Info("slow transaction phase", slog.String("phase", phase), slog.Duration("duration", d))
		}
	}
}
