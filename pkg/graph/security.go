package graph

import (
	"slices"

	"github.com/orneryd/graphobjects/pkg/convert"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
)

// Permissions granted through SECURITY relationships.
const (
	PermissionRead          = "read"
	PermissionWrite         = "write"
	PermissionDelete        = "delete"
	PermissionAccessControl = "accessControl"
)

// AllPermissions is the grant given to the creator of a node.
var AllPermissions = []string{PermissionRead, PermissionWrite, PermissionDelete, PermissionAccessControl}

// SecurityContext identifies who a transaction runs as. The zero value is
// an anonymous user.
type SecurityContext struct {
	UserID    storage.NodeID
	UserUUID  string
	superUser bool

	// Attributes carry request-scoped values for hooks.
	Attributes map[string]any
}

// SuperUserContext can read and write everything and creates nodes without
// an owner.
func SuperUserContext() *SecurityContext {
	return &SecurityContext{superUser: true}
}

// AnonymousContext only sees public nodes.
func AnonymousContext() *SecurityContext {
	return &SecurityContext{}
}

// UserContext runs as the given user node.
func UserContext(user *Node) *SecurityContext {
	return &SecurityContext{UserID: user.NodeID(), UserUUID: user.UUID()}
}

func (sc *SecurityContext) IsSuperUser() bool { return sc != nil && sc.superUser }

// IsAuthenticated reports whether the context carries a user.
func (sc *SecurityContext) IsAuthenticated() bool { return sc != nil && sc.UserID != 0 }

// Attribute returns a request attribute.
func (sc *SecurityContext) Attribute(key string) any {
	if sc == nil {
		return nil
	}
	return sc.Attributes[key]
}

// IsReadable decides whether n is visible. Deleted and hidden nodes are
// filtered unless includeDeletedAndHidden is set; publicOnly restricts the
// result to nodes visible to public users regardless of the user.
func (sc *SecurityContext) IsReadable(n *Node, includeDeletedAndHidden, publicOnly bool) bool {
	if n == nil {
		return false
	}
	if !includeDeletedAndHidden && (flag(n, schema.KeyDeleted) || flag(n, schema.KeyHidden)) {
		return false
	}
	public := flag(n, schema.KeyVisibleToPublic)
	if publicOnly {
		return public
	}
	if sc.IsSuperUser() || public {
		return true
	}
	if !sc.IsAuthenticated() {
		return false
	}
	if flag(n, schema.KeyVisibleToAuthenticated) {
		return true
	}
	if sc.UserUUID != "" && n.Property(schema.KeyCreatedBy) == sc.UserUUID {
		return true
	}
	return sc.granted(n, PermissionRead)
}

// IsAllowed reports whether the user holds permission on n, through
// ownership or a SECURITY grant.
func (sc *SecurityContext) IsAllowed(n *Node, permission string) bool {
	if sc.IsSuperUser() {
		return true
	}
	if n == nil || !sc.IsAuthenticated() {
		return false
	}
	return sc.granted(n, permission)
}

func (sc *SecurityContext) granted(n *Node, permission string) bool {
	edges, err := n.tx.store.Edges(n.id, storage.Incoming, "")
	if err != nil {
		return false
	}
	for _, e := range edges {
		if e.StartNode != sc.UserID {
			continue
		}
		switch e.Type {
		case schema.RelOwns:
			return true
		case schema.RelSecurity:
			if slices.Contains(convert.ToStringSlice(e.Properties[schema.KeyAllowed]), permission) {
				return true
			}
		}
	}
	return false
}

func flag(obj GraphObject, key string) bool {
	b, _ := convert.ToBool(obj.Property(key))
	return b
}
