package rbac

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Capability is a participant's standing on one project. The zero value
// grants nothing.
type Capability string
type Action string

const (
	CapabilityNone  Capability = ""
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
	CapabilityOwner Capability = "owner"
)

const (
	ActionRead    Action = "read"
	ActionPropose Action = "propose"
	ActionCommit  Action = "commit"
	ActionReview  Action = "review"
)

var ErrProjectNotFound = errors.New("project not found")

func Can(capability Capability, action Action) bool {
	switch capability {
	case CapabilityOwner:
		return true
	case CapabilityWrite:
		return action == ActionRead || action == ActionPropose
	case CapabilityRead:
		return action == ActionRead
	default:
		return false
	}
}

// FromRole maps a collaborator role as stored ("read", "write", "admin") onto
// a capability. Project owners and admins share the owner capability.
func FromRole(isOwner bool, role string) Capability {
	if isOwner {
		return CapabilityOwner
	}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "owner":
		return CapabilityOwner
	case "write", "editor":
		return CapabilityWrite
	case "read", "viewer":
		return CapabilityRead
	default:
		return CapabilityNone
	}
}

// Resolver answers what a participant may do on a project.
type Resolver interface {
	Capability(ctx context.Context, projectID, participantID string) (Capability, error)
}

// Grants is an in-memory Resolver keyed by project then participant.
type Grants struct {
	mu       sync.RWMutex
	projects map[string]map[string]Capability
}

func NewGrants() *Grants {
	return &Grants{projects: map[string]map[string]Capability{}}
}

func (g *Grants) Set(projectID, participantID string, capability Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.projects[projectID]
	if !ok {
		members = map[string]Capability{}
		g.projects[projectID] = members
	}
	members[participantID] = capability
}

func (g *Grants) Capability(_ context.Context, projectID, participantID string) (Capability, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members, ok := g.projects[projectID]
	if !ok {
		return CapabilityNone, ErrProjectNotFound
	}
	return members[participantID], nil
}
