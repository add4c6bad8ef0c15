package engine

import (
	"context"
	"time"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

// HubSnapshot is the persisted form of one hub's ledger and tenant set.
type HubSnapshot struct {
	Hub     domain.Hub
	Tenants []domain.Tenant
}

// Journal persists engine state. SaveHub must apply the whole snapshot
// atomically and fail with domain.ErrConcurrentModification when the stored
// version differs from snap.Hub.Version.
type Journal interface {
	CreateHub(ctx context.Context, hub domain.Hub) error
	SaveHub(ctx context.Context, snap HubSnapshot) error
	LoadHub(ctx context.Context, hubID string) (HubSnapshot, error)
	SavePolicy(ctx context.Context, p domain.Policy) error
	SaveViolation(ctx context.Context, v domain.Violation) error
	DeleteViolations(ctx context.Context, tenantID string) error
}

// UsageHistory provides the telemetry replayed by the simulator.
type UsageHistory interface {
	Samples(ctx context.Context, tenantIDs []string, from, to time.Time) ([]domain.TelemetrySample, error)
}

// WarningEvent is emitted when a tenant's warning level rises.
type WarningEvent struct {
	TenantID   string              `json:"tenant_id"`
	HubID      string              `json:"hub_id"`
	From       domain.WarningLevel `json:"from"`
	To         domain.WarningLevel `json:"to"`
	Violations int                 `json:"violations"`
	At         time.Time           `json:"at"`
}

type Notifier interface {
	WarningEscalated(ctx context.Context, ev WarningEvent) error
}

// BatchNotifier is an optional Notifier extension. When several tenants
// escalate in one overage sweep they are sent as a single batch.
type BatchNotifier interface {
	SendBatchAlerts(ctx context.Context, events []WarningEvent) error
}

type AuditSink interface {
	RecordAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Recorder receives engine metrics.
type Recorder interface {
	CapacityDecision(hubID, reason string, grantedKW float64)
	HubLedger(hub domain.Hub, openWindows int)
	Violation(hubID string, kind domain.ViolationType)
	Rebalanced(hubID string, trigger Trigger)
}

type nopJournal struct{}

func (nopJournal) CreateHub(context.Context, domain.Hub) error    { return nil }
func (nopJournal) SaveHub(context.Context, HubSnapshot) error     { return nil }
func (nopJournal) SavePolicy(context.Context, domain.Policy) error { return nil }
func (nopJournal) SaveViolation(context.Context, domain.Violation) error {
	return nil
}
func (nopJournal) DeleteViolations(context.Context, string) error { return nil }
func (nopJournal) LoadHub(_ context.Context, hubID string) (HubSnapshot, error) {
	return HubSnapshot{}, domain.ErrNotFound
}

type nopNotifier struct{}

func (nopNotifier) WarningEscalated(context.Context, WarningEvent) error { return nil }

type nopRecorder struct{}

func (nopRecorder) CapacityDecision(string, string, float64) {}
func (nopRecorder) HubLedger(domain.Hub, int)                {}
func (nopRecorder) Violation(string, domain.ViolationType)   {}
func (nopRecorder) Rebalanced(string, Trigger)               {}
