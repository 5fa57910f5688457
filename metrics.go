package demand

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/oathar/demand-cli/jdclient"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "demand"

var (
	componentUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "proxy", "component_up"),
		"Whether a component of the proxy is up (1) or down (0).",
		[]string{"component"}, nil,
	)

	roleTasksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "role", "tasks"),
		"Number of supervised tasks that are still running.",
		[]string{"kind"}, nil,
	)

	jobsSentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "downstream", "jobs_sent_total"),
		"Mining jobs sent to the downstream miner.",
		nil, nil,
	)

	sharesReceivedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "downstream", "shares_received_total"),
		"Shares received from the downstream miner.",
		nil, nil,
	)

	solutionsFoundDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "downstream", "solutions_found_total"),
		"Shares that met the network target.",
		nil, nil,
	)

	sharesAcceptedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "upstream", "shares_accepted_total"),
		"Shares the pool accepted.",
		nil, nil,
	)

	sharesRejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "upstream", "shares_rejected_total"),
		"Share submissions the pool rejected.",
		nil, nil,
	)

	solutionsPushedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "jobdeclarator", "solutions_pushed_total"),
		"Solutions pushed to the job declarator server.",
		nil, nil,
	)
)

// roleKinds is the set of task kinds reported by the collector.
var roleKinds = []taskmgr.TaskKind{
	taskmgr.KindJobDeclarator,
	taskmgr.KindMiningDownstream,
	taskmgr.KindMiningUpstream,
	taskmgr.KindTemplateReceiver,
	taskmgr.KindBridge,
}

// clientCollector exports the state of a running client. Values are read on
// every scrape.
type clientCollector struct {
	client   *jdclient.Client
	registry *proxystate.Registry
}

// A compile time check to ensure clientCollector implements the
// prometheus.Collector interface.
var _ prometheus.Collector = (*clientCollector)(nil)

// newClientCollector returns a collector over client and the proxy state
// registry.
func newClientCollector(client *jdclient.Client,
	registry *proxystate.Registry) *clientCollector {

	return &clientCollector{
		client:   client,
		registry: registry,
	}
}

// Describe sends the descriptors of all metrics of the collector.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *clientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- componentUpDesc
	ch <- roleTasksDesc
	ch <- jobsSentDesc
	ch <- sharesReceivedDesc
	ch <- solutionsFoundDesc
	ch <- sharesAcceptedDesc
	ch <- sharesRejectedDesc
	ch <- solutionsPushedDesc
}

// Collect reads the current values.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *clientCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.registry.Snapshot()

	up := func(component string, status proxystate.Status) {
		var v float64
		if status == proxystate.StatusUp {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(
			componentUpDesc, prometheus.GaugeValue, v, component,
		)
	}
	up("upstream", snapshot.Upstream)
	up("template-provider", snapshot.TemplateProvider)
	up("job-declarator", snapshot.JobDeclarator)
	for typ, status := range snapshot.Downstream {
		up(typ.String(), status)
	}

	for _, kind := range roleKinds {
		ch <- prometheus.MustNewConstMetric(
			roleTasksDesc, prometheus.GaugeValue,
			float64(c.client.Manager.Running(kind)), kind.String(),
		)
	}

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.CounterValue, float64(v),
		)
	}

	if c.client.Downstream != nil {
		stats := c.client.Downstream.Stats()
		counter(jobsSentDesc, stats.JobsSent)
		counter(sharesReceivedDesc, stats.SharesReceived)
		counter(solutionsFoundDesc, stats.SolutionsFound)
	}

	if c.client.Upstream != nil {
		stats := c.client.Upstream.Stats()
		counter(sharesAcceptedDesc, stats.Accepted)
		counter(sharesRejectedDesc, stats.Rejected)
	}

	c.client.JobDeclarator.WhenSome(func(jd *jobdeclarator.JobDeclarator) {
		counter(solutionsPushedDesc, jd.SolutionsPushed())
	})
}

// serveMetrics registers the collector and serves it on listen until ctx is
// done.
func serveMetrics(ctx context.Context, listen string,
	collector prometheus.Collector) error {

	registry := prometheus.NewRegistry()
	err := registry.Register(collector)
	if err != nil {
		return err
	}
	err = registry.Register(prometheus.NewGoCollector())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})
	defer stop()

	dmndLog.Infof("Prometheus exporter started on %v/metrics", listen)

	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
