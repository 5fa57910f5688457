package demand

import (
	"strings"
	"testing"

	"github.com/oathar/demand-cli/jdclient"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/oathar/demand-cli/upstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestClientCollector checks the exported proxy state and counters.
func TestClientCollector(t *testing.T) {
	t.Parallel()

	up, err := upstream.New(4, make(chan sv2wire.Message), nil)
	require.NoError(t, err)

	registry := proxystate.NewRegistry()
	registry.UpdateTpState(proxystate.StatusDown)
	registry.UpdateDownstreamState(proxystate.DownstreamUp(
		proxystate.JdClientMiningDownstream,
	))

	client := &jdclient.Client{
		Manager:  taskmgr.New(),
		Upstream: up,
	}
	collector := newClientCollector(client, registry)

	expected := `
# HELP demand_proxy_component_up Whether a component of the proxy is up (1) or down (0).
# TYPE demand_proxy_component_up gauge
demand_proxy_component_up{component="jdc-mining-downstream"} 1
demand_proxy_component_up{component="job-declarator"} 1
demand_proxy_component_up{component="template-provider"} 0
demand_proxy_component_up{component="upstream"} 1
`
	err = testutil.CollectAndCompare(
		collector, strings.NewReader(expected),
		"demand_proxy_component_up",
	)
	require.NoError(t, err)

	// One task gauge per kind, no downstream or job declarator counters
	// without those roles, and the two upstream counters.
	require.Equal(t, len(roleKinds), testutil.CollectAndCount(
		collector, "demand_role_tasks",
	))
	require.Zero(t, testutil.CollectAndCount(
		collector, "demand_downstream_jobs_sent_total",
	))
	require.Zero(t, testutil.CollectAndCount(
		collector, "demand_jobdeclarator_solutions_pushed_total",
	))
	require.Equal(t, 1, testutil.CollectAndCount(
		collector, "demand_upstream_shares_accepted_total",
	))
}
