package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"moltjobs/internal/db"
	"moltjobs/internal/domain"
)

const (
	AgentUpserted            = "agent.upserted"
	AgentSkillsUpdated       = "agent.skills_updated"
	JobCreated               = "job.created"
	JobUpdated               = "job.updated"
	JobCancelled             = "job.cancelled"
	ApplicationCreated       = "application.created"
	ApplicationStatusChanged = "application.status_changed"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an activity event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
