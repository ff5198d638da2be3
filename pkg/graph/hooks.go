package graph

import (
	"sync"

	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/validation"
)

// Hooks are the behaviors of one node type or relationship class. Every
// field is optional. Hooks registered for a parent type also run for its
// subtypes, most specific first.
//
// Boolean hooks report validity; a false result fails the transaction
// after every other entity has been evaluated.
type Hooks struct {
	OnCreation     func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer) bool
	OnModification func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer) bool
	// OnDeletion receives the properties the entity had when it was deleted.
	OnDeletion func(obj GraphObject, sc *SecurityContext, buf *validation.ErrorBuffer, properties map[string]any) bool
	IsValid    func(obj GraphObject, buf *validation.ErrorBuffer) bool

	// AfterCreation and AfterModification run after commit against a
	// read-only view. Their errors are logged only.
	AfterCreation     func(obj GraphObject, sc *SecurityContext) error
	AfterModification func(obj GraphObject, sc *SecurityContext) error

	OwnerModified          func(obj GraphObject, sc *SecurityContext)
	SecurityModified       func(obj GraphObject, sc *SecurityContext)
	LocationModified       func(obj GraphObject, sc *SecurityContext)
	PropagatedModification func(obj GraphObject, sc *SecurityContext)

	// PropagationTargets adds nodes that must be notified when this node
	// changes, on top of the type's schema propagateVia relationships.
	PropagationTargets func(n *Node) []*Node
}

// HookRegistry maps type and relationship class names to hooks.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string][]*Hooks
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string][]*Hooks)}
}

// Register adds hooks for a node type or relationship class name. Several
// registrations for one name all run, in registration order.
func (r *HookRegistry) Register(name string, h *Hooks) *HookRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = append(r.hooks[name], h)
	return r
}

// forNames returns the hooks of each name in order.
func (r *HookRegistry) forNames(names []string) []*Hooks {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hooks
	for _, n := range names {
		out = append(out, r.hooks[n]...)
	}
	return out
}

// nodeHooks resolves the hooks of a node type through its ancestors.
func (r *HookRegistry) nodeHooks(reg *schema.Registry, typeName string) []*Hooks {
	return r.forNames(reg.Ancestors(typeName))
}

// relHooks resolves the hooks of a relationship class through its parents.
// Hooks registered under the bare relationship type run last.
func (r *HookRegistry) relHooks(reg *schema.Registry, class *schema.RelClass, relType string) []*Hooks {
	var names []string
	seen := make(map[string]bool)
	for c := class; c != nil && !seen[c.Name]; {
		seen[c.Name] = true
		names = append(names, c.Name)
		if c.Extends == "" {
			break
		}
		next, ok := reg.RelClass(c.Extends)
		if !ok {
			break
		}
		c = next
	}
	names = append(names, relType)
	return r.forNames(names)
}
