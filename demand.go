// Package demand implements the demand-cli daemon: a job declarator client
// sitting between one mining device, a pool and a template provider.
package demand

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/oathar/demand-cli/build"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/jdclient"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/signal"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
)

const (
	// MiningProtocolVersion is the mining protocol version spoken with
	// the pool and the mining device.
	MiningProtocolVersion = 2

	// msgBufferSize is the capacity of each channel between a connection
	// and the roles.
	msgBufferSize = 64
)

// Main is the true entry point of the daemon. It returns once a shutdown was
// requested or every role was aborted.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Abort everything in flight once a shutdown is requested, including
	// the connection setup below.
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	dmndLog.Infof("Version: %s commit=%s, debuglevel=%s", build.Version(),
		build.Commit, cfg.DebugLevel)

	hsCfg := cfg.handshakeConfig()

	poolAddr, err := net.ResolveTCPAddr("tcp", cfg.PoolMiningAddress)
	if err != nil {
		return fmt.Errorf("%w: resolve pool mining endpoint %q: %w",
			jdclient.ErrIO, cfg.PoolMiningAddress, err)
	}
	poolConn, err := connectPool(ctx, sv2wire.Dial, poolAddr, hsCfg)
	if err != nil {
		return err
	}
	defer poolConn.Close()

	listener, err := net.Listen("tcp", cfg.DownstreamListen)
	if err != nil {
		return fmt.Errorf("%w: listen on %v: %w", jdclient.ErrIO,
			cfg.DownstreamListen, err)
	}
	dmndLog.Infof("Waiting for a mining device on %v", listener.Addr())

	minerConn, err := acceptMiner(ctx, listener)
	_ = listener.Close()
	if err != nil {
		return err
	}
	defer minerConn.Close()

	client, err := run(ctx, cfg.ClientConfig(), poolConn, minerConn)
	if err != nil {
		client.Handle.Abort()
		return err
	}
	defer func() {
		client.Handle.Abort()
		if err := client.Handle.Wait(context.Background()); err != nil {
			dmndLog.Errorf("Waiting for roles: %v", err)
		}
	}()

	if cfg.Prometheus.Enable {
		collector := newClientCollector(client, proxystate.Global())
		go func() {
			err := serveMetrics(ctx, cfg.Prometheus.Listen, collector)
			if err != nil {
				dmndLog.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	}

	if cfg.HealthCheck.Interval > 0 {
		monitor := newHealthMonitor(cfg.HealthCheck)
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("unable to start health monitor: %w",
				err)
		}
		defer func() {
			if err := monitor.Stop(); err != nil {
				dmndLog.Warnf("Unable to stop health monitor: "+
					"%v", err)
			}
		}()
	}

	if cfg.StatsInterval > 0 {
		statTicker := ticker.New(cfg.StatsInterval)
		statTicker.Resume()
		defer statTicker.Stop()

		go logStats(ctx, client, statTicker)
	}

	select {
	case <-interceptor.ShutdownChannel():
		dmndLog.Infof("Shutdown requested")

	case <-client.Handle.Done():
		dmndLog.Errorf("Roles aborted: %v", proxystate.IsHealthy())
		interceptor.RequestShutdown()

		return errors.New("job declarator client stopped")
	}

	return nil
}

// connectPool opens the mining connection to the pool and sets it up.
func connectPool(ctx context.Context, dial sv2wire.DialFunc,
	addr *net.TCPAddr, hsCfg handshake.Config) (*sv2wire.Conn, error) {

	netConn, err := dial(ctx, addr)
	if err != nil {
		proxystate.UpdateUpstreamState(proxystate.StatusDown)
		return nil, fmt.Errorf("%w: dial pool %v: %w", jdclient.ErrIO,
			addr, err)
	}
	conn := sv2wire.NewConn(netConn)

	hsCfg.Protocol = sv2wire.ProtocolMining
	hsCfg.MinVersion = MiningProtocolVersion
	hsCfg.MaxVersion = MiningProtocolVersion
	if err := handshake.Setup(ctx, conn, &hsCfg, addr); err != nil {
		_ = conn.Close()
		proxystate.UpdateUpstreamState(proxystate.StatusDown)

		return nil, fmt.Errorf("pool: %w", err)
	}

	return conn, nil
}

// acceptMiner waits for one mining device and answers its setup request.
func acceptMiner(ctx context.Context,
	listener net.Listener) (*sv2wire.Conn, error) {

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	netConn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: accept mining device: %w",
			jdclient.ErrIO, err)
	}
	conn := sv2wire.NewConn(netConn)

	req, err := handshake.Accept(ctx, conn, &handshake.Policy{
		Protocol: sv2wire.ProtocolMining,
		Version:  MiningProtocolVersion,
	})
	if err != nil {
		_ = conn.Close()
		proxystate.UpdateDownstreamState(proxystate.DownstreamDown(
			proxystate.JdClientMiningDownstream,
		))

		return nil, fmt.Errorf("mining device: %w", err)
	}

	dmndLog.Infof("Mining device %v connected (vendor=%q, device=%q)",
		conn.RemoteAddr(), req.Vendor, req.DeviceID)

	return conn, nil
}

// run launches the roles and bridges both connections to them. The returned
// client is never nil.
func run(ctx context.Context, cfg *jdclient.Config, poolConn,
	minerConn *sv2wire.Conn) (*jdclient.Client, error) {

	var (
		downIn  = make(chan sv2wire.Message, msgBufferSize)
		downOut = make(chan sv2wire.Message, msgBufferSize)
		upIn    = make(chan sv2wire.Message, msgBufferSize)
		upOut   = make(chan sv2wire.Message, msgBufferSize)
	)

	client, err := jdclient.Launch(ctx, cfg, downIn, downOut, upIn, upOut)
	if err != nil {
		return client, err
	}

	bridges := []struct {
		name     string
		conn     *sv2wire.Conn
		inbound  chan<- sv2wire.Message
		outbound <-chan sv2wire.Message
	}{
		{"pool-bridge", poolConn, upIn, upOut},
		{"miner-bridge", minerConn, downIn, downOut},
	}
	for _, b := range bridges {
		task := taskmgr.Go(ctx, b.name, func(ctx context.Context) error {
			return sv2wire.Bridge(ctx, b.conn, b.inbound, b.outbound)
		})
		if err := client.Supervise(taskmgr.KindBridge, task); err != nil {
			return client, err
		}
	}

	return client, nil
}

// newHealthMonitor returns a monitor that shuts the daemon down once the
// proxy stayed unhealthy for the configured number of attempts.
func newHealthMonitor(cfg *HealthCheck) *healthcheck.Monitor {
	proxyCheck := healthcheck.NewObservation(
		"proxy state", proxystate.IsHealthy, cfg.Interval, cfg.Timeout,
		cfg.Backoff, cfg.Attempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   []*healthcheck.Observation{proxyCheck},
		Shutdown: dmndLog.Criticalf,
	})
}

// logStats logs share and job counters on every tick until ctx is done.
func logStats(ctx context.Context, client *jdclient.Client,
	t ticker.Ticker) {

	for {
		select {
		case <-t.Ticks():
			down := client.Downstream.Stats()
			up := client.Upstream.Stats()

			var pushed uint64
			client.JobDeclarator.WhenSome(
				func(jd *jobdeclarator.JobDeclarator) {
					pushed = jd.SolutionsPushed()
				},
			)

			dmndLog.Infof("Jobs sent: %d, shares received: %d "+
				"(accepted %d, rejected %d), blocks found: %d, "+
				"pushed to job declarator: %d", down.JobsSent,
				down.SharesReceived, up.Accepted, up.Rejected,
				down.SolutionsFound, pushed)

		case <-ctx.Done():
			return
		}
	}
}
