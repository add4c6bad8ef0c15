package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

func activeCount(ps []domain.Policy) int {
	n := 0
	for _, p := range ps {
		if p.Status == domain.PolicyActive {
			n++
		}
	}
	return n
}

func TestCreatePolicy(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := seedHub(t, e)
	ctx := context.Background()

	p, err := e.CreatePolicy(ctx, softCap(hub.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.PolicyDraft, p.Status)

	_, err = e.CreatePolicy(ctx, softCap("nowhere"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bad := softCap(hub.ID)
	bad.AllocationRule.Type = "round-robin"
	_, err = e.CreatePolicy(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = softCap(hub.ID)
	bad.OveragePolicy.MaxOverageDurationMinutes = 0
	_, err = e.CreatePolicy(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyPolicy_SingleActive(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := seedHub(t, e)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := e.CreatePolicy(ctx, softCap(hub.ID))
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	for _, id := range []string{ids[0], ids[1], ids[2], ids[0], ids[0], ids[1]} {
		applied, err := e.ApplyPolicy(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PolicyActive, applied.Status)
		assert.Equal(t, 1, activeCount(e.Policies(hub.ID)))
	}

	active, ok := e.ActivePolicy(hub.ID)
	require.True(t, ok)
	assert.Equal(t, ids[1], active.ID)
	assert.Equal(t, 3, active.Performance.TenantsAffected)

	p0, err := e.Policy(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyInactive, p0.Status)
}

func TestPolicyLifecycle(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := seedHub(t, e)
	ctx := context.Background()

	p, err := e.CreatePolicy(ctx, softCap(hub.ID))
	require.NoError(t, err)

	_, err = e.DeactivatePolicy(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = e.ApplyPolicy(ctx, p.ID)
	require.NoError(t, err)
	_, err = e.ArchivePolicy(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "active policies are deactivated before archiving")

	_, err = e.UpdatePolicy(ctx, p.ID, softCap(hub.ID))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	deactivated, err := e.DeactivatePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyInactive, deactivated.Status)
	_, ok := e.ActivePolicy(hub.ID)
	assert.False(t, ok)

	edit := softCap(hub.ID)
	edit.EnforcementRule.Type = domain.EnforceHardCap
	updated, err := e.UpdatePolicy(ctx, p.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, domain.EnforceHardCap, updated.EnforcementRule.Type)

	archived, err := e.ArchivePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyArchived, archived.Status)

	_, err = e.ApplyPolicy(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clone, err := e.ClonePolicy(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyDraft, clone.Status)
	assert.Equal(t, p.ID, clone.ClonedFrom)
	assert.Equal(t, "soft cap (copy)", clone.Name)
	assert.Equal(t, domain.EnforceHardCap, clone.EnforcementRule.Type)

	_, err = e.ApplyPolicy(ctx, clone.ID)
	require.NoError(t, err)

	_, err = e.ApplyPolicy(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPolicyNotFound)
	assert.Equal(t, "policy-not-found", domain.Reason(err))
}

type failingPolicyJournal struct{ nopJournal }

func (failingPolicyJournal) SavePolicy(context.Context, domain.Policy) error {
	return assert.AnError
}

func TestApplyPolicy_JournalFailureRollsBack(t *testing.T) {
	e := newTestEngine(t, newClock())
	hub := seedHub(t, e)
	ctx := context.Background()
	first := applyPolicy(t, e, softCap(hub.ID))
	second, err := e.CreatePolicy(ctx, softCap(hub.ID))
	require.NoError(t, err)

	e.journal = failingPolicyJournal{}
	_, err = e.ApplyPolicy(ctx, second.ID)
	require.Error(t, err)

	active, ok := e.ActivePolicy(hub.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)
	got, _ := e.Policy(second.ID)
	assert.Equal(t, domain.PolicyDraft, got.Status)
}
