package service

import (
	"context"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/audit"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
)

// Emitter receives domain events after the change they describe is committed.
type Emitter interface {
	Emit(ctx context.Context, e events.Event)
}

// Auditor records status changes. AuditWorkerPool implements it.
type Auditor interface {
	Log(record audit.AuditLog)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, events.Event) {}

type nopAuditor struct{}

func (nopAuditor) Log(audit.AuditLog) {}
