package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/internal/domain"
)

// Conflict records contention over a shared resource between two
// agents, per SPEC_FULL.md §3.
type Conflict struct {
	ID           string
	Kind         domain.ConflictKind
	Agent1ID     string
	Agent1Name   string
	Agent2ID     string
	Agent2Name   string
	ResourceID   string
	ResourceType string
	Action1      string
	Action2      string
	Resolution   domain.Resolution
	Reason       string
	CreatedAt    time.Time
	ResolvedAt   time.Time
}

// IsResolved reports whether the conflict has been arbitrated.
func (c *Conflict) IsResolved() bool { return !c.ResolvedAt.IsZero() }

func newConflict(kind domain.ConflictKind, agent1ID, agent1Name, agent2ID, agent2Name, resourceID, resourceType, action1, action2 string) *Conflict {
	return &Conflict{
		ID:           uuid.New().String(),
		Kind:         kind,
		Agent1ID:     agent1ID,
		Agent1Name:   agent1Name,
		Agent2ID:     agent2ID,
		Agent2Name:   agent2Name,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Action1:      action1,
		Action2:      action2,
		Resolution:   domain.ResolutionNone,
		CreatedAt:    time.Now(),
	}
}
