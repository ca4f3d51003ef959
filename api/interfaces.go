package api

import (
	"context"
	"encoding/json"
	"time"

	"engagebot/audit"
	"engagebot/domain"
	"engagebot/engine"
	"engagebot/rategate"
	"engagebot/storage"
)

// RunStore creates runs and stores their candidates.
type RunStore interface {
	CreateRun(ctx context.Context, label string) (*storage.Run, error)
	InsertCandidates(ctx context.Context, runID string, items []storage.Candidate) ([]storage.Candidate, []string, error)
}

// TaskQueue hands action tasks to the driver and records its reports.
type TaskQueue interface {
	NextTask(ctx context.Context, accountID string) (*storage.Task, error)
	ReportTask(ctx context.Context, id, status, errorMessage string, evidence json.RawMessage) error
}

// TemplateStore manages comment templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, name, body string) (*storage.Template, error)
	ListTemplates(ctx context.Context, enabledOnly bool) ([]storage.Template, error)
	SetTemplateEnabled(ctx context.Context, id string, enabled bool) error
	EnabledTemplateBodies(ctx context.Context) ([]string, error)
}

// StatsProvider provides statistics data.
type StatsProvider interface {
	CountCandidates(ctx context.Context) (int, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
	SummarizeAudit(ctx context.Context, since time.Time) (map[string]int, error)
}

// AuditReader lists audit records.
type AuditReader interface {
	ListAudit(ctx context.Context, f storage.AuditFilter) ([]audit.Record, error)
}

// SettingsStore reads and writes runtime settings.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// EngineControl reads and updates the running engine.
type EngineControl interface {
	Status() engine.Status
	Config() engine.Config
	UpdateConfig(cfg engine.Config)
}

// Intake queues candidates for the engine.
type Intake interface {
	Submit(c domain.Candidate) bool
	Pending() int
}

// Whitelist is the comment template whitelist of the content filter.
type Whitelist interface {
	SetWhitelist(templates []string) int
	WhitelistVersion() int
}

// RateView exposes rate gate counters.
type RateView interface {
	Snapshot(account string) map[domain.ActionType]rategate.Counter
}

// BreakerView exposes the scoring circuit breaker state.
type BreakerView interface {
	State() string
}
