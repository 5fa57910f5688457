package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultHandler returns the root log handler of the daemon. Console and
// file output share one handler so every subsystem logger writes each record
// once to each enabled destination. A disabled destination is skipped; with
// both disabled the handler discards everything.
func NewDefaultHandler(cfg *LogConfig, logFile *LogFile) btclog.Handler {

	var (
		writers []io.Writer
		opts    []btclog.HandlerOption
	)
	if !cfg.Console.Disable {
		writers = append(writers, os.Stdout)
		opts = cfg.Console.HandlerOptions()
	}
	if !cfg.File.Disable && logFile != nil {
		writers = append(writers, logFile)
		if len(opts) == 0 {
			opts = cfg.File.HandlerOptions()
		}
	}

	switch len(writers) {
	case 0:
		return btclog.NewDefaultHandler(io.Discard, opts...)

	case 1:
		return btclog.NewDefaultHandler(writers[0], opts...)

	default:
		return btclog.NewDefaultHandler(
			io.MultiWriter(writers...), opts...,
		)
	}
}
