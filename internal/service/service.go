// Package service wires the engine, the billing ledger and persistence
// together for the cmd binaries and the HTTP layer.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

// SampleStore keeps raw telemetry for later simulation.
type SampleStore interface {
	InsertSample(ctx context.Context, s domain.TelemetrySample) error
}

// PeriodArchive reads finalized periods back from long-term storage.
type PeriodArchive interface {
	FetchPeriod(ctx context.Context, hubID, periodID string) (billing.Period, error)
}

// AuditLister reads an external audit trail.
type AuditLister interface {
	ListAudits(ctx context.Context, tenantID string) ([]domain.AuditRecord, error)
}

type Services struct {
	Engine    *engine.Engine
	Billing   *billing.Ledger
	Telemetry *TelemetryService
	// DefaultRates prices billing periods opened without a rate card.
	DefaultRates billing.RateCard
	audits       AuditLister
	archive      PeriodArchive
}

type Option func(*Services)

func WithSampleStore(s SampleStore) Option     { return func(svc *Services) { svc.Telemetry.samples = s } }
func WithAuditLister(a AuditLister) Option     { return func(svc *Services) { svc.audits = a } }
func WithPeriodArchive(a PeriodArchive) Option { return func(svc *Services) { svc.archive = a } }
func WithDefaultRates(r billing.RateCard) Option {
	return func(svc *Services) { svc.DefaultRates = r }
}

func New(e *engine.Engine, l *billing.Ledger, opts ...Option) *Services {
	s := &Services{
		Engine:  e,
		Billing: l,
		Telemetry: &TelemetryService{
			engine:  e,
			billing: l,
			log:     log.With().Str("component", "telemetry-service").Logger(),
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Audits returns the tenant's audit trail from the external store when one
// is configured, else from the engine's in-memory copy.
func (s *Services) Audits(ctx context.Context, tenantID string) ([]domain.AuditRecord, error) {
	if _, err := s.Engine.Tenant(tenantID); err != nil {
		return nil, err
	}
	if s.audits != nil {
		return s.audits.ListAudits(ctx, tenantID)
	}
	recs := s.Engine.AuditRecords(tenantID)
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	return recs, nil
}

// Period returns a billing period from the ledger. Periods the ledger no
// longer holds are read from the archive when the hub is known.
func (s *Services) Period(ctx context.Context, periodID, hubID string) (billing.Period, error) {
	p, err := s.Billing.Get(periodID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) || s.archive == nil || hubID == "" {
		return p, err
	}
	return s.archive.FetchPeriod(ctx, hubID, periodID)
}

// TelemetryService turns samples into compliance, billing and rebalance
// activity.
type TelemetryService struct {
	engine  *engine.Engine
	billing *billing.Ledger
	samples SampleStore
	log     zerolog.Logger
}

// IngestResult summarises what one sample caused.
type IngestResult struct {
	Observation engine.Observation      `json:"observation"`
	Charge      *billing.TenantCharge   `json:"charge,omitempty"`
	Rebalance   *engine.RebalanceResult `json:"rebalance,omitempty"`
}

// Ingest runs one sample through the tracker, accrues it into the hub's
// open billing period and lets the rebalancer react to the new load.
// Billing and rebalance failures are logged; the observation stands.
func (s *TelemetryService) Ingest(ctx context.Context, sample domain.TelemetrySample) (IngestResult, error) {
	obs, err := s.engine.Observe(ctx, sample)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Observation: obs}

	if s.samples != nil {
		if err := s.samples.InsertSample(ctx, sample); err != nil {
			s.log.Error().Err(err).Str("tenant_id", sample.TenantID).Msg("store sample failed")
		}
	}

	if p, ok := s.billing.OpenPeriodFor(obs.HubID, sample.Timestamp); ok {
		hours := obs.Interval.Hours()
		c, err := s.billing.Accrue(ctx, p.ID, sample.TenantID, billing.Accrual{
			EnergyKWh:      obs.CurrentKW * hours,
			DemandKW:       obs.CurrentKW,
			OverageKWh:     obs.OverageKW * hours,
			RateMultiplier: obs.RateMultiplier,
			At:             sample.Timestamp,
		})
		switch {
		case err == nil:
			res.Charge = &c
		case errors.Is(err, domain.ErrPeriodClosed):
			s.log.Debug().Str("period_id", p.ID).Msg("period sealed before accrual")
		default:
			s.log.Error().Err(err).Str("period_id", p.ID).Str("tenant_id", sample.TenantID).Msg("accrual failed")
		}
	}

	rb, ok, err := s.engine.RebalanceIfNeeded(ctx, obs.HubID)
	if err != nil {
		s.log.Error().Err(err).Str("hub_id", obs.HubID).Msg("threshold rebalance failed")
	} else if ok {
		res.Rebalance = &rb
	}
	return res, nil
}
