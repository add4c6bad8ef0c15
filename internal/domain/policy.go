package domain

import (
	"fmt"
	"time"
)

type PolicyType string

const (
	PolicyStandard         PolicyType = "standard"
	PolicyPeakManagement   PolicyType = "peak-management"
	PolicyCostOptimization PolicyType = "cost-optimization"
	PolicyVPPCoordination  PolicyType = "vpp-coordination"
	PolicyCustom           PolicyType = "custom"
)

func (t PolicyType) Validate() error {
	switch t {
	case PolicyStandard, PolicyPeakManagement, PolicyCostOptimization, PolicyVPPCoordination, PolicyCustom:
		return nil
	}
	return fmt.Errorf("%w: unknown policy type %q", ErrValidation, t)
}

type PolicyStatus string

const (
	PolicyDraft    PolicyStatus = "draft"
	PolicyActive   PolicyStatus = "active"
	PolicyInactive PolicyStatus = "inactive"
	PolicyArchived PolicyStatus = "archived"
)

// AllocationMethod selects a fair-share strategy.
type AllocationMethod string

const (
	AllocEqualSplit    AllocationMethod = "equal-split"
	AllocProportional  AllocationMethod = "proportional"
	AllocWeighted      AllocationMethod = "weighted"
	AllocTiered        AllocationMethod = "tiered"
	AllocPriorityBased AllocationMethod = "priority-based"
	AllocTimeBased     AllocationMethod = "time-based"
	AllocCustom        AllocationMethod = "custom"
)

func (m AllocationMethod) Validate() error {
	switch m {
	case AllocEqualSplit, AllocProportional, AllocWeighted,
		AllocTiered, AllocPriorityBased, AllocTimeBased, AllocCustom:
		return nil
	}
	return fmt.Errorf("%w: unknown allocation method %q", ErrValidation, m)
}

// EnforcementType is the strictness applied when a request exceeds headroom.
type EnforcementType string

const (
	EnforceHardCap  EnforcementType = "hard-cap"
	EnforceSoftCap  EnforcementType = "soft-cap"
	EnforceAdvisory EnforcementType = "advisory"
)

func (e EnforcementType) Validate() error {
	switch e {
	case EnforceHardCap, EnforceSoftCap, EnforceAdvisory:
		return nil
	}
	return fmt.Errorf("%w: unknown enforcement type %q", ErrValidation, e)
}

type AllocationRule struct {
	Type AllocationMethod `json:"type"`
}

type EnforcementRule struct {
	Type             EnforcementType `json:"type"`
	ThresholdPercent float64         `json:"threshold"`
}

type OveragePolicy struct {
	Allowed                   bool    `json:"allowed"`
	MaxOveragePercent         float64 `json:"max_overage_percent"`
	MaxOverageDurationMinutes int     `json:"max_overage_duration_minutes"`
	OverageRateMultiplier     float64 `json:"overage_rate_multiplier"`
}

type RebalanceRule struct {
	Enabled             bool `json:"enabled"`
	ClearOverageWindows bool `json:"clear_overage_windows"`
}

type VPPCoordination struct {
	Enabled            bool    `json:"enabled"`
	MaxReservedPercent float64 `json:"max_reserved_percent"`
}

type PolicyPerformance struct {
	TenantsAffected      int     `json:"tenants_affected"`
	ViolationsCount      int     `json:"violations_count"`
	AvgCompliancePercent float64 `json:"avg_compliance_percent"`
}

type Policy struct {
	ID              string            `json:"id"`
	HubID           string            `json:"hub_id"`
	Name            string            `json:"name"`
	Type            PolicyType        `json:"type"`
	Status          PolicyStatus      `json:"status"`
	AllocationRule  AllocationRule    `json:"allocation_rule"`
	EnforcementRule EnforcementRule   `json:"enforcement_rule"`
	OveragePolicy   OveragePolicy     `json:"overage_policy"`
	RebalanceRule   RebalanceRule     `json:"rebalance_rule"`
	VPPCoordination VPPCoordination   `json:"vpp_coordination"`
	Performance     PolicyPerformance `json:"performance"`
	ClonedFrom      string            `json:"cloned_from,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ActivatedAt     *time.Time        `json:"activated_at,omitempty"`
}

// Validate checks the rule configuration, not the lifecycle state.
func (p Policy) Validate() error {
	if p.HubID == "" {
		return fmt.Errorf("%w: hub_id is required", ErrValidation)
	}
	if err := p.Type.Validate(); err != nil {
		return err
	}
	if err := p.AllocationRule.Type.Validate(); err != nil {
		return err
	}
	if err := p.EnforcementRule.Type.Validate(); err != nil {
		return err
	}
	if p.EnforcementRule.ThresholdPercent < 0 {
		return fmt.Errorf("%w: enforcement threshold must not be negative", ErrValidation)
	}
	o := p.OveragePolicy
	if o.MaxOveragePercent < 0 || o.MaxOverageDurationMinutes < 0 || o.OverageRateMultiplier < 0 {
		return fmt.Errorf("%w: overage limits must not be negative", ErrValidation)
	}
	if o.Allowed && o.MaxOverageDurationMinutes == 0 {
		return fmt.Errorf("%w: overage requires a max duration", ErrValidation)
	}
	if v := p.VPPCoordination.MaxReservedPercent; v < 0 || v > 100 {
		return fmt.Errorf("%w: vpp max reserved percent must be within 0..100", ErrValidation)
	}
	return nil
}

// OverageMultiplier is the billing multiplier for overage energy, 1 when the
// policy leaves it unset.
func (p Policy) OverageMultiplier() float64 {
	if p.OveragePolicy.OverageRateMultiplier <= 0 {
		return 1
	}
	return p.OveragePolicy.OverageRateMultiplier
}
