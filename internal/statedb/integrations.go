package statedb

import (
	"fmt"
	"time"
)

// IntegrationRow is a tenant's configured platform connection on one slot,
// independent of whether a live session currently backs it.
type IntegrationRow struct {
	Tenant    string
	Platform  string
	Slot      string // "" for records written before multi-slot support
	AccountID string
	Active    bool
	LastError string
	UpdatedAt time.Time
}

// UpsertIntegration inserts or updates the record for (tenant, platform, slot).
// An empty AccountID keeps the previously stored one. Writing LegacySlot
// folds a slot-less record of the same tenant into it.
func (s *StateDB) UpsertIntegration(row *IntegrationRow) error {
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin upsert integration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if row.Slot == LegacySlot {
		if _, err := tx.Exec(`
			UPDATE OR IGNORE integrations SET slot = ?
			WHERE tenant = ? AND platform = ? AND slot = ''
		`, LegacySlot, row.Tenant, row.Platform); err != nil {
			return fmt.Errorf("statedb: adopt legacy integration: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM integrations WHERE tenant = ? AND platform = ? AND slot = ''
		`, row.Tenant, row.Platform); err != nil {
			return fmt.Errorf("statedb: drop legacy integration: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO integrations (tenant, platform, slot, account_id, active, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, platform, slot) DO UPDATE SET
			account_id = CASE WHEN excluded.account_id = '' THEN integrations.account_id ELSE excluded.account_id END,
			active     = excluded.active,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, row.Tenant, row.Platform, row.Slot, row.AccountID, boolInt(row.Active), row.LastError, toMillis(updated)); err != nil {
		return fmt.Errorf("statedb: upsert integration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit upsert integration: %w", err)
	}
	return nil
}

// SetIntegrationActive flips the active flag and records lastError.
// Missing records are left alone. On LegacySlot a slot-less record of the
// tenant is updated too.
func (s *StateDB) SetIntegrationActive(tenant, platform, slot string, active bool, lastError string) error {
	query := `
		UPDATE integrations SET active = ?, last_error = ?, updated_at = ?
		WHERE tenant = ? AND platform = ? AND slot = ?`
	if slot == LegacySlot {
		query = `
		UPDATE integrations SET active = ?, last_error = ?, updated_at = ?
		WHERE tenant = ? AND platform = ? AND (slot = ? OR slot = '')`
	}
	_, err := s.db.Exec(query, boolInt(active), lastError, toMillis(s.now()), tenant, platform, slot)
	if err != nil {
		return fmt.Errorf("statedb: set integration active: %w", err)
	}
	return nil
}

// FindActiveIntegrations returns every active record for platform across all tenants.
func (s *StateDB) FindActiveIntegrations(platform string) ([]*IntegrationRow, error) {
	return s.queryIntegrations(`
		SELECT tenant, platform, slot, account_id, active, last_error, updated_at
		FROM integrations WHERE platform = ? AND active = 1
		ORDER BY tenant, slot
	`, platform)
}

// ListIntegrations returns every record of tenant on platform.
func (s *StateDB) ListIntegrations(tenant, platform string) ([]*IntegrationRow, error) {
	return s.queryIntegrations(`
		SELECT tenant, platform, slot, account_id, active, last_error, updated_at
		FROM integrations WHERE tenant = ? AND platform = ?
		ORDER BY slot
	`, tenant, platform)
}

func (s *StateDB) queryIntegrations(query string, args ...any) ([]*IntegrationRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query integrations: %w", err)
	}
	defer rows.Close()

	var result []*IntegrationRow
	for rows.Next() {
		r := &IntegrationRow{}
		var active int
		var updated int64
		if err := rows.Scan(&r.Tenant, &r.Platform, &r.Slot, &r.AccountID, &active, &r.LastError, &updated); err != nil {
			return nil, fmt.Errorf("statedb: scan integration: %w", err)
		}
		r.Active = active == 1
		r.UpdatedAt = fromMillis(updated)
		result = append(result, r)
	}
	return result, rows.Err()
}
