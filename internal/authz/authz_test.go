package authz

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/config"
)

func TestDefaultPolicy(t *testing.T) {
	p := NewPolicy(config.Default().RolePermissions())
	for _, role := range []string{"owner", "Admin", " operator "} {
		assert.True(t, p.Can(PermApprovalsWrite, role), role)
	}
	assert.False(t, p.Can(PermApprovalsWrite, "viewer"))
	assert.False(t, p.Can(PermApprovalsWrite, "intern"))
	assert.True(t, p.Can(PermApprovalsRead, "viewer"))
	assert.True(t, p.Can(PermApprovalsWrite, "viewer", "operator"))
}

func TestRequire(t *testing.T) {
	p := NewPolicy(map[string][]string{"owner": {PermTasksWrite}})
	require.NoError(t, p.Require(PermTasksWrite, "OWNER"))
	err := p.Require(PermTasksWrite)
	var forbidden ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, RoleViewer, forbidden.Role)
	assert.Equal(t, PermTasksWrite, forbidden.Permission)
}

func TestHeaders(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, RoleViewer, RoleFromHeaders(h))
	assert.Equal(t, UnknownActor, ActorFromHeaders(h))

	h.Set("x-user-role", "Admin")
	h.Set("x-role", "Operator")
	h.Set("x-user-id", "u-7")
	assert.Equal(t, "operator", RoleFromHeaders(h))
	assert.Equal(t, "u-7", ActorFromHeaders(h))

	h.Set("x-mc-actor", "Jarvis")
	assert.Equal(t, "Jarvis", ActorFromHeaders(h))
}

func TestPermissionsDeduplicated(t *testing.T) {
	p := NewPolicy(map[string][]string{"a": {"x", "y"}, "b": {"y", "z"}})
	assert.Equal(t, []string{"x", "y", "z"}, p.Permissions("a", "b"))
}
