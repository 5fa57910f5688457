package proxystate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestDownstreamDownIsolated asserts that marking one downstream kind down
// changes nothing else.
func TestDownstreamDownIsolated(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	before := r.Snapshot()
	require.NoError(t, r.IsHealthy())

	r.UpdateDownstreamState(DownstreamDown(JdClientMiningDownstream))

	after := r.Snapshot()
	require.Equal(t, StatusDown,
		after.Downstream[JdClientMiningDownstream])
	require.Equal(t, StatusUp, after.Downstream[TranslatorDownstream])
	require.Equal(t, before.Upstream, after.Upstream)
	require.Equal(t, before.TemplateProvider, after.TemplateProvider)
	require.Equal(t, before.JobDeclarator, after.JobDeclarator)

	err := r.IsHealthy()
	require.ErrorIs(t, err, ErrUnhealthy)
	require.Contains(t, err.Error(), "jdc-mining-downstream")
}

// TestUpdatesIdempotent writes the same states repeatedly and concurrently.
func TestUpdatesIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r.UpdateDownstreamState(
				DownstreamDown(TranslatorDownstream),
			)
			r.UpdateTpState(StatusDown)
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Equal(t, StatusDown, snap.TemplateProvider)
	require.Equal(t, StatusDown, snap.Downstream[TranslatorDownstream])
	require.Len(t, snap.Downstream, 1)

	err := r.IsHealthy()
	require.EqualError(t, err, "proxy unhealthy: template-provider, "+
		"translator-downstream down")

	r.Reset()
	require.NoError(t, r.IsHealthy())
}

// TestSnapshotIsCopy makes sure callers cannot mutate the record through a
// snapshot.
func TestSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	snap := r.Snapshot()
	snap.Downstream[JdClientMiningDownstream] = StatusDown

	require.Equal(t, StatusUp, r.DownstreamStatus(JdClientMiningDownstream))
}

// TestLastUpdateWins drives random update sequences and checks that every
// component reports the last status written to it and that the health
// predicate agrees with the snapshot.
func TestLastUpdateWins(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()

		var (
			upstream, tp, jd Status
			downstream       = make(map[DownstreamType]Status)
		)

		statusGen := rapid.SampledFrom([]Status{StatusUp, StatusDown})
		typeGen := rapid.SampledFrom([]DownstreamType{
			JdClientMiningDownstream, TranslatorDownstream,
		})

		steps := rapid.IntRange(0, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			status := statusGen.Draw(t, "status")

			switch rapid.IntRange(0, 3).Draw(t, "component") {
			case 0:
				r.UpdateUpstreamState(status)
				upstream = status

			case 1:
				r.UpdateTpState(status)
				tp = status

			case 2:
				r.UpdateJdState(status)
				jd = status

			case 3:
				typ := typeGen.Draw(t, "type")
				r.UpdateDownstreamState(DownstreamState{
					Status: status,
					Type:   typ,
				})
				downstream[typ] = status
			}
		}

		snapshot := r.Snapshot()
		require.Equal(t, upstream, snapshot.Upstream)
		require.Equal(t, tp, snapshot.TemplateProvider)
		require.Equal(t, jd, snapshot.JobDeclarator)

		healthy := upstream == StatusUp && tp == StatusUp &&
			jd == StatusUp
		for typ, status := range downstream {
			require.Equal(t, status, snapshot.Downstream[typ])
			healthy = healthy && status == StatusUp
		}

		if healthy {
			require.NoError(t, r.IsHealthy())
		} else {
			require.ErrorIs(t, r.IsHealthy(), ErrUnhealthy)
		}
	})
}
