package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Audit actions written by Created and Updated.
const (
	AuditCreated = "created"
	AuditUpdated = "updated"
)

// FieldChange is one before/after pair of an updated entity.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db     execer
	logger *slog.Logger
}

// NewAuditLogger returns a new AuditLogger. db is usually a *pgxpool.Pool.
func NewAuditLogger(db execer, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{db: db, logger: logger}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// Created records the creation of an entity. Failures are logged, never returned.
func (l *AuditLogger) Created(ctx context.Context, actorID int64, entity string, id int64, extra map[string]any) {
	l.emit(ctx, AuditLog{ActorID: actorID, Action: AuditCreated, Entity: entity, EntityID: fmt.Sprintf("%d", id), Meta: extra})
}

// Updated records the changed fields between before and after. Nothing is written
// when the snapshots are equal. Failures are logged, never returned.
func (l *AuditLogger) Updated(ctx context.Context, actorID int64, entity string, id int64, before, after map[string]any) {
	changes := Diff(before, after)
	if len(changes) == 0 {
		return
	}
	l.emit(ctx, AuditLog{ActorID: actorID, Action: AuditUpdated, Entity: entity, EntityID: fmt.Sprintf("%d", id), Meta: map[string]any{"changes": changes}})
}

func (l *AuditLogger) emit(ctx context.Context, log AuditLog) {
	if l == nil {
		return
	}
	if err := l.Record(ctx, log); err != nil {
		l.logger.Warn("audit log write failed",
			slog.String("entity", log.Entity),
			slog.String("entity_id", log.EntityID),
			slog.String("action", log.Action),
			slog.Any("error", err),
		)
	}
}

// Diff returns the fields whose values differ between two snapshots.
func Diff(before, after map[string]any) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for k, from := range before {
		if to := after[k]; !reflect.DeepEqual(from, to) {
			changes[k] = FieldChange{From: from, To: to}
		}
	}
	for k, to := range after {
		if _, ok := before[k]; !ok {
			changes[k] = FieldChange{To: to}
		}
	}
	return changes
}
