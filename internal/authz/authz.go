package authz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	PermApprovalsRead  = "approvals.read"
	PermApprovalsWrite = "approvals.write"
	PermEventsRead     = "events.read"
	PermTasksRead      = "tasks.read"
	PermTasksWrite     = "tasks.write"

	RoleViewer   = "viewer"
	UnknownActor = "unknown"
)

var (
	roleHeaders  = []string{"x-mc-role", "x-role", "x-user-role"}
	actorHeaders = []string{"x-mc-actor", "x-actor", "x-user", "x-user-id"}
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}

// Policy maps lowercase role ids to their permissions.
type Policy struct {
	Roles map[string][]string
}

func NewPolicy(roles map[string][]string) Policy {
	out := make(map[string][]string, len(roles))
	for id, perms := range roles {
		out[NormalizeRole(id)] = append([]string(nil), perms...)
	}
	return Policy{Roles: out}
}

// Can reports whether any of roles grants perm.
func (p Policy) Can(perm string, roles ...string) bool {
	for _, role := range roles {
		for _, granted := range p.Roles[NormalizeRole(role)] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

// Require returns ForbiddenError when none of roles grants perm.
func (p Policy) Require(perm string, roles ...string) error {
	if p.Can(perm, roles...) {
		return nil
	}
	role := RoleViewer
	if len(roles) > 0 {
		role = NormalizeRole(roles[0])
	}
	return ForbiddenError{Role: role, Permission: perm}
}

// Permissions lists everything roles grant, sorted.
func (p Policy) Permissions(roles ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, role := range roles {
		for _, perm := range p.Roles[NormalizeRole(role)] {
			if !seen[perm] {
				seen[perm] = true
				out = append(out, perm)
			}
		}
	}
	sort.Strings(out)
	return out
}

func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return RoleViewer
	}
	return role
}

// RoleFromHeaders picks the first non-empty role header.
func RoleFromHeaders(h http.Header) string {
	return NormalizeRole(firstHeader(h, roleHeaders))
}

// ActorFromHeaders picks the first non-empty actor header.
func ActorFromHeaders(h http.Header) string {
	if actor := firstHeader(h, actorHeaders); actor != "" {
		return actor
	}
	return UnknownActor
}

func firstHeader(h http.Header, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
