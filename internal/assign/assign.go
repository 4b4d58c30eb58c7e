// Package assign hands new or unowned conversations to the least loaded
// active agent of the tenant.
package assign

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/statedb"
)

var assignLog = logging.ForComponent(logging.CompAssign)

// Store is the persistence the assigner needs.
type Store interface {
	GetConversation(id string) (*statedb.ConversationRow, error)
	LeastLoadedAgent(tenant string) (*statedb.AgentRow, error)
	SetAssignee(conversationID, agentID string) error
}

// Assigner runs assignments in the background.
type Assigner struct {
	store Store
	pub   eventbus.Publisher

	// mu serializes pick-and-set so two concurrent assignments for the
	// same tenant see each other's load.
	mu sync.Mutex
	wg sync.WaitGroup
}

// New returns an Assigner. pub may be nil.
func New(store Store, pub eventbus.Publisher) *Assigner {
	return &Assigner{store: store, pub: pub}
}

// Assign schedules assignment of conversationID and returns immediately.
func (a *Assigner) Assign(conversationID, tenant string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				assignLog.Error("assign_panic",
					slog.String("conversation", conversationID),
					slog.Any("panic", r))
			}
		}()
		if err := a.assign(conversationID, tenant); err != nil {
			assignLog.Warn("assign_failed",
				slog.String("tenant", tenant),
				slog.String("conversation", conversationID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until every scheduled assignment has finished.
func (a *Assigner) Wait() {
	a.wg.Wait()
}

func (a *Assigner) assign(conversationID, tenant string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv, err := a.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv.AssigneeID != "" {
		return nil
	}

	agent, err := a.store.LeastLoadedAgent(tenant)
	if errors.Is(err, statedb.ErrNotFound) {
		assignLog.Debug("assign_no_agent", slog.String("tenant", tenant))
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.store.SetAssignee(conversationID, agent.ID); err != nil {
		return err
	}

	assignLog.Info("conversation_assigned",
		slog.String("tenant", tenant),
		slog.String("conversation", conversationID),
		slog.String("agent", agent.ID))
	if a.pub != nil {
		a.pub.Publish(tenant, conv.SlotID, eventbus.ConversationAssigned, map[string]string{
			"conversationId": conversationID,
			"agentId":        agent.ID,
		})
	}
	return nil
}
