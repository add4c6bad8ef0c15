package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type HubStatus string

const (
	HubActive      HubStatus = "active"
	HubMaintenance HubStatus = "maintenance"
	HubOffline     HubStatus = "offline"
)

func (s HubStatus) Validate() error {
	switch s {
	case HubActive, HubMaintenance, HubOffline:
		return nil
	}
	return fmt.Errorf("%w: unknown hub status %q", ErrValidation, s)
}

// HubCapacity is the ledger view of a hub. AvailableKW is derived and is
// refreshed by Recompute after every mutation.
type HubCapacity struct {
	TotalKW     float64 `json:"total_kw"`
	AllocatedKW float64 `json:"allocated_kw"`
	ReservedKW  float64 `json:"reserved_kw"`
	AvailableKW float64 `json:"available_kw"`
	PeakKW      float64 `json:"peak_kw"`
}

type Hub struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Capacity           HubCapacity `json:"capacity"`
	UtilizationPercent float64     `json:"utilization_percent"`
	Status             HubStatus   `json:"status"`
	Version            int64       `json:"version"`
}

// Recompute refreshes the derived fields. AvailableKW never goes below zero;
// capacity granted through overage shows up in OverageKW instead.
func (h *Hub) Recompute() {
	avail := h.Capacity.TotalKW - h.Capacity.AllocatedKW - h.Capacity.ReservedKW
	if avail < 0 {
		avail = 0
	}
	h.Capacity.AvailableKW = avail
	if h.Capacity.TotalKW > 0 {
		h.UtilizationPercent = h.Capacity.AllocatedKW / h.Capacity.TotalKW * 100
	} else {
		h.UtilizationPercent = 0
	}
	if h.Capacity.AllocatedKW > h.Capacity.PeakKW {
		h.Capacity.PeakKW = h.Capacity.AllocatedKW
	}
}

// HeadroomKW is the unallocated, unreserved capacity. It is negative while
// overage is outstanding.
func (h Hub) HeadroomKW() float64 {
	return h.Capacity.TotalKW - h.Capacity.AllocatedKW - h.Capacity.ReservedKW
}

// OverageKW is the amount by which allocations exceed capacity.
func (h Hub) OverageKW() float64 {
	if o := -h.HeadroomKW(); o > 0 {
		return o
	}
	return 0
}

type PriorityTier string

const (
	TierStandard PriorityTier = "standard"
	TierPriority PriorityTier = "priority"
	TierCritical PriorityTier = "critical"
)

func (t PriorityTier) Validate() error {
	switch t {
	case TierStandard, TierPriority, TierCritical:
		return nil
	}
	return fmt.Errorf("%w: unknown priority tier %q", ErrValidation, t)
}

type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningLow      WarningLevel = "low"
	WarningMedium   WarningLevel = "medium"
	WarningHigh     WarningLevel = "high"
	WarningCritical WarningLevel = "critical"
)

// Rank orders warning levels so escalations can be detected.
func (w WarningLevel) Rank() int {
	switch w {
	case WarningLow:
		return 1
	case WarningMedium:
		return 2
	case WarningHigh:
		return 3
	case WarningCritical:
		return 4
	}
	return 0
}

type TenantCapacity struct {
	BaseKW       float64 `json:"base_kw"`
	BurstKW      float64 `json:"burst_kw"`
	GuaranteedKW float64 `json:"guaranteed_kw"`
	AllocatedKW  float64 `json:"allocated_kw"`
}

type Usage struct {
	CurrentKW   float64   `json:"current_kw"`
	PeakKW      float64   `json:"peak_kw"`
	LastUpdated time.Time `json:"last_updated"`
}

type Compliance struct {
	Violations   int          `json:"violations"`
	WarningLevel WarningLevel `json:"warning_level"`
	Score        float64      `json:"score"`
}

type TenantBilling struct {
	CurrentBalanceCAD decimal.Decimal `json:"current_balance_cad"`
	BillingCycle      string          `json:"billing_cycle"`
	PaymentStatus     string          `json:"payment_status"`
}

// TenantAttributes are the static Tenant Directory fields used by the
// fair-share allocator. Zero means unknown.
type TenantAttributes struct {
	SquareFootage   float64 `json:"square_footage"`
	HistoricalAvgKW float64 `json:"historical_avg_kw"`
}

type Tenant struct {
	ID           string           `json:"id"`
	HubID        string           `json:"hub_id"`
	Name         string           `json:"name"`
	PriorityTier PriorityTier     `json:"priority_tier"`
	Capacity     TenantCapacity   `json:"capacity"`
	Attributes   TenantAttributes `json:"attributes"`
	Usage        Usage            `json:"usage"`
	Compliance   Compliance       `json:"compliance"`
	Billing      TenantBilling    `json:"billing"`
}

type ViolationType string

const (
	ViolationCapacityExceeded ViolationType = "capacity-exceeded"
	ViolationOverageExpired   ViolationType = "overage-expired"
)

type Violation struct {
	ID              string        `db:"id" json:"id"`
	TenantID        string        `db:"tenant_id" json:"tenant_id"`
	HubID           string        `db:"hub_id" json:"hub_id"`
	PolicyID        string        `db:"policy_id" json:"policy_id,omitempty"`
	Type            ViolationType `db:"type" json:"type"`
	ExceededByKW    float64       `db:"exceeded_by_kw" json:"exceeded_by_kw"`
	Timestamp       time.Time     `db:"timestamp" json:"timestamp"`
	DurationMinutes float64       `db:"duration_minutes" json:"duration_minutes"`
}

// AuditRecord captures administrative actions that erase history.
type AuditRecord struct {
	ID                string    `json:"id"`
	Action            string    `json:"action"`
	TenantID          string    `json:"tenant_id"`
	HubID             string    `json:"hub_id"`
	Actor             string    `json:"actor"`
	Reason            string    `json:"reason"`
	ViolationsCleared int       `json:"violations_cleared"`
	At                time.Time `json:"at"`
}

const AuditResetViolations = "reset-violations"

// OverageWindow is a time-bounded permission for a tenant to hold ExcessKW
// above the hub's capacity.
type OverageWindow struct {
	TenantID       string    `json:"tenant_id"`
	HubID          string    `json:"hub_id"`
	PolicyID       string    `json:"policy_id"`
	ExcessKW       float64   `json:"excess_kw"`
	RateMultiplier float64   `json:"rate_multiplier"`
	OpenedAt       time.Time `json:"opened_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (w OverageWindow) OpenAt(t time.Time) bool {
	return t.Before(w.ExpiresAt)
}

// TelemetrySample is one already-sampled reading from the Telemetry Source.
type TelemetrySample struct {
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	CurrentKW float64   `db:"current_kw" json:"current_kw"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

func (s TelemetrySample) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if s.CurrentKW < 0 {
		return fmt.Errorf("%w: current_kw must not be negative", ErrValidation)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}
