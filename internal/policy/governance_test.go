package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernance() (*Governance, *MemoryStore) {
	store := NewMemoryStore()
	g := NewGovernance(store)
	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	g.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return g, store
}

func applyBody(t *testing.T, g *Governance, scope Scope, id string, body Document) *Version {
	t.Helper()
	ctx := context.Background()
	d, err := g.SaveDraft(ctx, scope, id, body, "admin")
	require.NoError(t, err)
	v, err := g.ApplyPolicy(ctx, d.ID, "admin", "")
	require.NoError(t, err)
	return v
}

func countEffective(vs []*Version) int {
	n := 0
	for _, v := range vs {
		if v.Status == StatusEffective {
			n++
		}
	}
	return n
}

func TestSaveDraft_OverwritesInPlace(t *testing.T) {
	g, _ := newTestGovernance()
	ctx := context.Background()

	first, err := g.SaveDraft(ctx, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.2}, "alice")
	require.NoError(t, err)
	second, err := g.SaveDraft(ctx, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.3}, "bob")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Version)

	draft, err := g.Draft(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Equal(t, 0.3, draft.Policy[KeyOverageBuffer])
	assert.Equal(t, "bob", draft.CreatedBy)

	history, err := g.History(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSaveDraft_RejectsInvalidBody(t *testing.T) {
	g, _ := newTestGovernance()
	_, err := g.SaveDraft(context.Background(), ScopeWorkspace, "W1", Document{"bogus": true}, "alice")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "bogus", verr.Field)
}

func TestApplyPolicy_SupersedesAndAudits(t *testing.T) {
	g, _ := newTestGovernance()
	ctx := context.Background()

	v1 := applyBody(t, g, ScopeWorkspace, "W1", Document{KeySoftWarn: 0.5})
	v2 := applyBody(t, g, ScopeWorkspace, "W1", Document{KeySoftWarn: 0.6})

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.EffectiveAt)

	history, err := g.History(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusEffective, history[0].Status)
	assert.Equal(t, StatusSuperseded, history[1].Status)
	assert.NotNil(t, history[1].SupersededAt)

	entries, err := g.AuditLog(ctx, "W1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionApply, entries[0].Action)
	assert.Equal(t, 0.5, entries[0].PreviousValue[KeySoftWarn])
	assert.Equal(t, 0.6, entries[0].NewValue[KeySoftWarn])
	assert.Nil(t, entries[1].PreviousValue)
}

func TestApplyPolicy_DraftNotFound(t *testing.T) {
	g, _ := newTestGovernance()
	ctx := context.Background()

	_, err := g.ApplyPolicy(ctx, "missing", "admin", "")
	assert.ErrorIs(t, err, ErrDraftNotFound)

	v := applyBody(t, g, ScopeWorkspace, "W1", Document{})
	_, err = g.ApplyPolicy(ctx, v.ID, "admin", "")
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestRollbackPolicy_CreatesNewVersion(t *testing.T) {
	g, _ := newTestGovernance()
	ctx := context.Background()

	applyBody(t, g, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.1})
	applyBody(t, g, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.2})
	applyBody(t, g, ScopeWorkspace, "W1", Document{KeyOverageBuffer: 0.3})

	restored, err := g.RollbackPolicy(ctx, ScopeWorkspace, "W1", 1, "admin", "bad rollout")
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Version)
	assert.Equal(t, StatusEffective, restored.Status)
	assert.Equal(t, 0.1, restored.Policy[KeyOverageBuffer])

	history, err := g.History(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	var versions []int
	for _, v := range history {
		versions = append(versions, v.Version)
	}
	assert.Equal(t, []int{4, 3, 2, 1}, versions)
	assert.Equal(t, StatusSuperseded, history[1].Status)
	assert.Equal(t, 1, countEffective(history))

	entries, err := g.AuditLog(ctx, "W1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionRollback, entries[0].Action)
	assert.Equal(t, 0.3, entries[0].PreviousValue[KeyOverageBuffer])
	assert.Equal(t, 0.1, entries[0].NewValue[KeyOverageBuffer])
	assert.Equal(t, "bad rollout", entries[0].Reason)
}

func TestRollbackPolicy_VersionNotFound(t *testing.T) {
	g, _ := newTestGovernance()
	_, err := g.RollbackPolicy(context.Background(), ScopeWorkspace, "W1", 7, "admin", "")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestGovernance_SingleEffectiveAndMonotonicVersions(t *testing.T) {
	g, _ := newTestGovernance()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := g.SaveDraft(ctx, ScopeWorkspace, "W1", Document{KeyMaxUnitsPerRequest: i + 1}, "admin")
			if err != nil {
				t.Error(err)
				return
			}
			// Another goroutine may have applied this draft already.
			_, err = g.ApplyPolicy(ctx, d.ID, "admin", "")
			if err != nil && !errors.Is(err, ErrDraftNotFound) {
				t.Error(err)
			}
			if i%3 == 0 {
				_, err = g.RollbackPolicy(ctx, ScopeWorkspace, "W1", 1, "admin", "")
				if err != nil && !errors.Is(err, ErrVersionNotFound) {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	history, err := g.History(ctx, ScopeWorkspace, "W1")
	require.NoError(t, err)
	assert.Equal(t, 1, countEffective(history))

	seen := map[int]bool{}
	for i, v := range history {
		assert.False(t, seen[v.Version], "version %d reused", v.Version)
		seen[v.Version] = true
		if i > 0 {
			assert.Less(t, v.Version, history[i-1].Version)
		}
	}
}
