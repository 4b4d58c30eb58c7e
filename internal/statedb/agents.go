package statedb

import (
	"database/sql"
	"errors"
	"fmt"
)

// AgentRow is an operator who can be assigned conversations.
type AgentRow struct {
	ID     string
	Tenant string
	Name   string
	Active bool
}

// SaveAgent inserts or replaces an agent.
func (s *StateDB) SaveAgent(a *AgentRow) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO agents (id, tenant, name, active) VALUES (?, ?, ?, ?)",
		a.ID, a.Tenant, a.Name, boolInt(a.Active),
	)
	if err != nil {
		return fmt.Errorf("statedb: save agent: %w", err)
	}
	return nil
}

// LeastLoadedAgent returns the tenant's active agent with the fewest
// non-closed assigned conversations, ties broken by id.
// Returns ErrNotFound when the tenant has no active agent.
func (s *StateDB) LeastLoadedAgent(tenant string) (*AgentRow, error) {
	a := &AgentRow{}
	var active int
	err := s.db.QueryRow(`
		SELECT a.id, a.tenant, a.name, a.active
		FROM agents a
		LEFT JOIN conversations c
			ON c.assignee_id = a.id AND c.tenant = a.tenant AND c.status != ?
		WHERE a.tenant = ? AND a.active = 1
		GROUP BY a.id
		ORDER BY COUNT(c.id), a.id
		LIMIT 1
	`, StatusClosed, tenant).Scan(&a.ID, &a.Tenant, &a.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: least loaded agent: %w", err)
	}
	a.Active = active == 1
	return a, nil
}
