package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marzan3698/omni-sub004/internal/statedb"
)

// RestoreSummary counts the outcome of RestoreActiveSessions.
type RestoreSummary struct {
	Found   int
	Started int
	Failed  int
}

// RestoreActiveSessions re-initializes every persisted active integration
// of the platform across all tenants, once per slot. Records without a
// slot map to the legacy slot. One failing slot never stops the others.
func (s *Supervisor) RestoreActiveSessions(ctx context.Context) (RestoreSummary, error) {
	var sum RestoreSummary
	if s.opts.Store == nil {
		return sum, nil
	}
	rows, err := s.opts.Store.FindActiveIntegrations(s.opts.Platform)
	if err != nil {
		return sum, fmt.Errorf("session: restore: %w", err)
	}

	// A slot-less record and a slot 1 record of one tenant name the same slot.
	type key struct{ tenant, slot string }
	seen := make(map[key]bool, len(rows))
	var keys []key
	for _, row := range rows {
		slot := row.Slot
		if slot == "" {
			slot = statedb.LegacySlot
		}
		k := key{row.Tenant, slot}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sum.Found = len(keys)

	for _, k := range keys {
		if err := s.restoreOne(ctx, k.tenant, k.slot); err != nil {
			sum.Failed++
			sessionLog.Error("session_restore_failed",
				slog.String("tenant", k.tenant),
				slog.String("slot", k.slot),
				slog.String("error", err.Error()))
			continue
		}
		sum.Started++
	}

	sessionLog.Info("sessions_restored",
		slog.Int("found", sum.Found),
		slog.Int("started", sum.Started),
		slog.Int("failed", sum.Failed))
	return sum, nil
}

func (s *Supervisor) restoreOne(ctx context.Context, tenant, slot string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res := s.Initialize(ctx, tenant, slot, false)
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}
