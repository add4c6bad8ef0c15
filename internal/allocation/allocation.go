// Package allocation computes fair-share capacity splits for a hub's tenants.
// It holds no state; callers decide whether and how to commit a result.
package allocation

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

var (
	// ErrMethodNotImplemented is returned for policy hooks that have no
	// strategy yet. The result is always empty.
	ErrMethodNotImplemented = errors.New("allocation method not implemented")
	ErrUnknownMethod        = errors.New("unknown allocation method")
)

const (
	BasisNone            = "none"
	BasisSquareFootage   = "square-footage"
	BasisHistoricalUsage = "historical-usage"
)

// Share is one tenant's proposed allocation.
type Share struct {
	TenantID    string  `json:"tenant_id"`
	AllocatedKW float64 `json:"allocated_kw"`
	Basis       string  `json:"basis"`
}

// Allocate splits totalKW across tenants. The shares sum to totalKW and are
// never negative. Methods without a strategy return an empty result and an
// error so a misconfigured policy cannot be committed by accident.
func Allocate(totalKW float64, tenants []domain.Tenant, method domain.AllocationMethod) ([]Share, error) {
	if totalKW < 0 {
		return []Share{}, fmt.Errorf("%w: total capacity must not be negative", domain.ErrValidation)
	}
	var (
		weight func(domain.Tenant) float64
		basis  string
	)
	switch method {
	case domain.AllocEqualSplit:
		weight, basis = func(domain.Tenant) float64 { return 1 }, BasisNone
	case domain.AllocProportional:
		weight, basis = func(t domain.Tenant) float64 { return orOne(t.Attributes.SquareFootage) }, BasisSquareFootage
	case domain.AllocWeighted:
		weight, basis = func(t domain.Tenant) float64 { return orOne(t.Attributes.HistoricalAvgKW) }, BasisHistoricalUsage
	case domain.AllocTiered, domain.AllocPriorityBased, domain.AllocTimeBased, domain.AllocCustom:
		return []Share{}, fmt.Errorf("%w: %s", ErrMethodNotImplemented, method)
	default:
		return []Share{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if len(tenants) == 0 {
		return []Share{}, nil
	}

	weights := make([]float64, len(tenants))
	for i, t := range tenants {
		weights[i] = weight(t)
	}
	sum := floats.Sum(weights)

	out := make([]Share, len(tenants))
	amounts := make([]float64, len(tenants))
	for i, t := range tenants {
		amounts[i] = totalKW * weights[i] / sum
		out[i] = Share{TenantID: t.ID, AllocatedKW: amounts[i], Basis: basis}
	}

	// Fold floating-point drift into the largest share so nothing is lost.
	if drift := totalKW - floats.Sum(amounts); drift != 0 {
		i := floats.MaxIdx(amounts)
		if v := out[i].AllocatedKW + drift; v >= 0 {
			out[i].AllocatedKW = v
		}
	}
	return out, nil
}

// Implemented reports whether Allocate has a strategy for method.
func Implemented(method domain.AllocationMethod) bool {
	switch method {
	case domain.AllocEqualSplit, domain.AllocProportional, domain.AllocWeighted:
		return true
	}
	return false
}

// orOne treats a missing or non-positive attribute as weight 1.
func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
