package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/store"
)

// Audit outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeDenied = "denied"
)

// Auditor writes the audit trail. Failures are logged, never propagated:
// an unavailable audit table must not fail the mutation it describes.
type Auditor struct {
	store *store.Store
	bus   *Bus
	log   zerolog.Logger
}

// NewAuditor wires the audit writer to the store and bus.
func NewAuditor(st *store.Store, bus *Bus) *Auditor {
	return &Auditor{
		store: st,
		bus:   bus,
		log:   logging.WithComponent("audit"),
	}
}

// Record persists one audit entry and mirrors it on the bus.
func (a *Auditor) Record(ctx context.Context, principal, action, targetType, targetID, outcome, detail string) {
	entry := &store.AuditEntry{
		Principal:  principal,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := a.store.RecordAudit(ctx, entry); err != nil {
		a.log.Error().Err(err).Str("action", action).Str("target", targetID).Msg("audit write failed")
	}
	if a.bus != nil {
		a.bus.Emit(action, principal, targetID, map[string]interface{}{
			"targetType": targetType,
			"outcome":    outcome,
			"detail":     detail,
		})
	}
}
