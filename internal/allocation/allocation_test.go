package allocation

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

func tenants(attrs ...domain.TenantAttributes) []domain.Tenant {
	out := make([]domain.Tenant, len(attrs))
	for i, a := range attrs {
		out[i] = domain.Tenant{ID: string(rune('a' + i)), Attributes: a}
	}
	return out
}

func total(shares []Share) float64 {
	var s float64
	for _, sh := range shares {
		s += sh.AllocatedKW
	}
	return s
}

func TestAllocate_EqualSplit(t *testing.T) {
	shares, err := Allocate(300, tenants(domain.TenantAttributes{}, domain.TenantAttributes{}, domain.TenantAttributes{}), domain.AllocEqualSplit)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	for _, s := range shares {
		assert.InDelta(t, 100, s.AllocatedKW, 1e-9)
		assert.Equal(t, BasisNone, s.Basis)
	}
}

func TestAllocate_Proportional(t *testing.T) {
	ts := tenants(
		domain.TenantAttributes{SquareFootage: 1000},
		domain.TenantAttributes{SquareFootage: 3000},
		domain.TenantAttributes{}, // missing counts as 1
	)
	shares, err := Allocate(400.1, ts, domain.AllocProportional)
	require.NoError(t, err)
	assert.InDelta(t, 400.1, total(shares), 1e-6)
	assert.InDelta(t, 400.1*1000/4001, shares[0].AllocatedKW, 1e-6)
	assert.InDelta(t, 400.1*1/4001, shares[2].AllocatedKW, 1e-6)
}

func TestAllocate_Weighted(t *testing.T) {
	ts := tenants(domain.TenantAttributes{HistoricalAvgKW: 30}, domain.TenantAttributes{HistoricalAvgKW: 10})
	shares, err := Allocate(100, ts, domain.AllocWeighted)
	require.NoError(t, err)
	assert.InDelta(t, 75, shares[0].AllocatedKW, 1e-9)
	assert.InDelta(t, 25, shares[1].AllocatedKW, 1e-9)
	assert.Equal(t, BasisHistoricalUsage, shares[0].Basis)
}

func TestAllocate_ConservesTotal(t *testing.T) {
	methods := []domain.AllocationMethod{domain.AllocEqualSplit, domain.AllocProportional, domain.AllocWeighted}
	totals := []float64{0, 1, 7, 333.333, 1e6 / 3}
	for _, m := range methods {
		for _, tot := range totals {
			for n := 1; n <= 9; n++ {
				attrs := make([]domain.TenantAttributes, n)
				for i := range attrs {
					attrs[i] = domain.TenantAttributes{SquareFootage: float64(i*137%11 + 1), HistoricalAvgKW: float64(i) * 1.7}
				}
				shares, err := Allocate(tot, tenants(attrs...), m)
				require.NoError(t, err)
				assert.LessOrEqual(t, math.Abs(total(shares)-tot), 1e-6, "method %s total %v n %d", m, tot, n)
				for _, s := range shares {
					assert.GreaterOrEqual(t, s.AllocatedKW, 0.0)
				}
			}
		}
	}
}

func TestAllocate_UnimplementedHooks(t *testing.T) {
	for _, m := range []domain.AllocationMethod{domain.AllocTiered, domain.AllocPriorityBased, domain.AllocTimeBased, domain.AllocCustom} {
		shares, err := Allocate(100, tenants(domain.TenantAttributes{}), m)
		assert.Empty(t, shares)
		assert.True(t, errors.Is(err, ErrMethodNotImplemented), "method %s", m)
		assert.False(t, Implemented(m))
	}
}

func TestAllocate_UnknownMethod(t *testing.T) {
	shares, err := Allocate(100, tenants(domain.TenantAttributes{}), "round-robin")
	assert.Empty(t, shares)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestAllocate_NoTenants(t *testing.T) {
	shares, err := Allocate(100, nil, domain.AllocEqualSplit)
	require.NoError(t, err)
	assert.Empty(t, shares)
}
