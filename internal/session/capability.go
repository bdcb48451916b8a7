package session

import (
	"fmt"
	"slices"

	"github.com/roach88/optisync/internal/syncerr"
)

// Capability is an operation a role may perform.
type Capability string

const (
	CapTaskCreate   Capability = "task.create"
	CapTaskUpdate   Capability = "task.update"
	CapTaskAssign   Capability = "task.assign"
	CapTaskDelete   Capability = "task.delete"
	CapMemberManage Capability = "member.manage"
	CapReportView   Capability = "report.view"
)

// matrix maps each role to its capabilities.
var matrix = map[Role][]Capability{
	RoleLead: {
		CapTaskCreate, CapTaskUpdate, CapTaskAssign, CapTaskDelete,
		CapMemberManage, CapReportView,
	},
	RoleManager: {
		CapTaskCreate, CapTaskUpdate, CapTaskAssign, CapTaskDelete,
		CapReportView,
	},
	RoleMember: {
		CapTaskCreate, CapTaskUpdate,
	},
}

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet map[Capability]struct{}

// CapabilitiesFor returns the set granted to role. Unknown roles get none.
func CapabilitiesFor(role Role) CapabilitySet {
	caps := matrix[role]
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// capabilitiesOf computes the set for a session once, at transition time.
// A degraded session falls back to the default role.
func capabilitiesOf(status Status, profile *Profile) CapabilitySet {
	switch {
	case status != StatusReady:
		return CapabilitySet{}
	case profile == nil:
		return CapabilitiesFor(DefaultRole)
	default:
		return CapabilitiesFor(profile.Role)
	}
}

func unauthorized(op string, c Capability, s Session) *syncerr.Error {
	role := s.Role()
	if role == "" {
		role = "none"
	}
	return syncerr.Unauthorized(op, fmt.Sprintf("%s requires %s (role=%s, status=%s)", op, c, role, s.Status))
}
