package demand

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/oathar/demand-cli/barrier"
	"github.com/oathar/demand-cli/build"
	"github.com/oathar/demand-cli/downstream"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/jdclient"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/signal"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/oathar/demand-cli/templaterx"
	"github.com/oathar/demand-cli/upstream"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "DMND"

// dmndLog is the daemon's own logger. It is disabled until SetupLoggers is
// called.
var dmndLog = btclog.Disabled

// genSubLogger creates a logger for a subsystem. Critical log lines of the
// returned logger request a shutdown through the interceptor.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(
			root.GenSubLogger(tag), interceptor.RequestShutdown,
		)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	dmndLog = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, sv2wire.Subsystem, interceptor, sv2wire.UseLogger)
	AddSubLogger(
		root, handshake.Subsystem, interceptor, handshake.UseLogger,
	)
	AddSubLogger(root, barrier.Subsystem, interceptor, barrier.UseLogger)
	AddSubLogger(root, taskmgr.Subsystem, interceptor, taskmgr.UseLogger)
	AddSubLogger(
		root, proxystate.Subsystem, interceptor, proxystate.UseLogger,
	)
	AddSubLogger(root, upstream.Subsystem, interceptor, upstream.UseLogger)
	AddSubLogger(
		root, downstream.Subsystem, interceptor, downstream.UseLogger,
	)
	AddSubLogger(
		root, jobdeclarator.Subsystem, interceptor,
		jobdeclarator.UseLogger,
	)
	AddSubLogger(
		root, templaterx.Subsystem, interceptor, templaterx.UseLogger,
	)
	AddSubLogger(root, jdclient.Subsystem, interceptor, jdclient.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genSubLogger(root, interceptor))
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
