package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_LayersInOrder(t *testing.T) {
	g, store := newTestGovernance()
	ctx := context.Background()
	r := NewResolver(store, nil)

	doc, err := r.Effective(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), doc)

	applyBody(t, g, ScopePlatform, "", Document{KeyOverageBuffer: 0.2, KeySoftWarn: 0.7})
	applyBody(t, g, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.05})
	applyBody(t, g, ScopeProject, "P1", Document{KeyMaxUnitsPerRequest: 50})
	applyBody(t, g, ScopeEnvironment, "E1", Document{KeyMaxUnitsPerRequest: 10})

	doc, err = r.Effective(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Equal(t, 0.05, doc[KeyOverageBuffer])
	assert.Equal(t, 0.7, doc[KeySoftWarn])
	assert.Equal(t, 0.95, doc[KeyHardWarn])

	doc, err = r.Effective(ctx, ScopeWorkspace, "W2")
	require.NoError(t, err)
	assert.Equal(t, 0.2, doc[KeyOverageBuffer])

	doc, err = r.EffectiveForPath(ctx, Path{Workspace: "W1", Project: "P1", Environment: "E1"})
	require.NoError(t, err)
	assert.EqualValues(t, 10, doc[KeyMaxUnitsPerRequest])
	assert.Equal(t, 0.05, doc[KeyOverageBuffer])

	doc, err = r.EffectiveForPath(ctx, Path{Workspace: "W1", Environment: "E1"})
	require.NoError(t, err)
	_, ok := doc[KeyMaxUnitsPerRequest]
	assert.False(t, ok, "environment without project must not be merged")
}

func TestResolver_DraftsAreIgnored(t *testing.T) {
	g, store := newTestGovernance()
	ctx := context.Background()
	r := NewResolver(store, nil)

	_, err := g.SaveDraft(ctx, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.5}, "admin")
	require.NoError(t, err)

	doc, err := r.Effective(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, doc[KeyOverageBuffer])
}

func TestResolver_Thresholds(t *testing.T) {
	g, store := newTestGovernance()
	r := NewResolver(store, nil)
	applyBody(t, g, ScopeWorkspace, "T1", Document{
		KeyOveragePolicy:   "block",
		KeyAllowedServices: []any{"llm_tokens_in"},
		KeyReservationTTL:  60,
	})

	th, err := r.Thresholds(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, th.SoftWarn)
	assert.Equal(t, 0.95, th.HardWarn)
	assert.Equal(t, 0.1, th.OverageBuffer)
	assert.Equal(t, "block", th.OveragePolicy)
	assert.Equal(t, 30, th.BillingCycleDays)
	assert.Equal(t, time.Minute, th.ReservationTTL)
	assert.True(t, th.AllowsService("llm_tokens_in"))
	assert.False(t, th.AllowsService("voice_chars"))
}
