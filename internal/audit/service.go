package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/relational"
)

const auditLogTable = "audit_log"

// AuditService defines the interface for recording security events,
// kept from the teacher's audit.AuditService but dropping the
// per-tenant field and the sqlc-generated queries dependency.
type AuditService interface {
	Log(ctx context.Context, action string, params LogParams)
}

// LogParams encapsulates optional fields for an audit log, spec §4.6's
// audit emission at every orchestrator decision point.
type LogParams struct {
	ActorID   string
	TargetID  string
	SessionID string
	Metadata  map[string]interface{}
}

// DBLogger implements AuditService directly over internal/relational,
// generalized from the teacher's DBLogger (which wrapped sqlc-generated
// db.Queries.CreateAuditLog) since the retrieved pack carries no sqlc
// output for this schema.
type DBLogger struct {
	store  relational.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewDBLogger constructs an audit logger writing to the relational
// store of record.
func NewDBLogger(store relational.Store, c clock.Clock, logger *slog.Logger) *DBLogger {
	return &DBLogger{store: store, clock: c, logger: logger}
}

// Log records an event synchronously. The teacher's note on this being
// an MVP tradeoff (a queue would decouple audit writes from the
// request path at higher scale) still applies.
func (s *DBLogger) Log(ctx context.Context, action string, params LogParams) {
	metadataBytes, err := json.Marshal(params.Metadata)
	if err != nil {
		s.logger.Error("audit_metadata_marshal_failed", "error", err)
		metadataBytes = []byte("{}")
	}

	row := relational.Row{
		"id":         uuid.New().String(),
		"actor_id":   params.ActorID,
		"target_id":  params.TargetID,
		"session_id": params.SessionID,
		"action":     action,
		"metadata":   string(metadataBytes),
		"created_at": s.now(),
	}
	if err := s.store.Insert(ctx, auditLogTable, row); err != nil {
		s.logger.Error("audit_insert_failed", "action", action, "error", err, "actor", params.ActorID)
	}
}

func (s *DBLogger) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

// NopLogger discards every event; useful for tests and components that
// don't need audit wiring.
type NopLogger struct{}

func (NopLogger) Log(context.Context, string, LogParams) {}
