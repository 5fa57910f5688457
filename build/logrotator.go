package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// LogFilename is the name of the daemon's log file inside the log directory.
// Rolled files get a sequence number and the compressor's extension appended.
const LogFilename = "demand.log"

// kbPerMB converts FileLoggerConfig.MaxLogFileSize to the unit the rotator
// expects, which is KB.
const kbPerMB = 1024

// LogFile is the rotating log file of the daemon. A nil *LogFile discards
// writes, so callers do not need to special case a disabled file logger.
type LogFile struct {
	path string

	// pipe feeds the rotator goroutine.
	pipe *io.PipeWriter

	rotator *rotator.Rotator

	// done is closed once the rotator goroutine returned.
	done chan struct{}
}

// OpenLogFile creates logDir if needed and starts rotating LogFilename inside
// it. The file must be closed on shutdown.
func OpenLogFile(cfg *FileLoggerConfig, logDir string) (*LogFile, error) {
	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory %v: %w", logDir,
			err)
	}

	path := filepath.Join(logDir, LogFilename)
	r, err := rotator.New(
		path, int64(cfg.MaxLogFileSize*kbPerMB), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("open log file %v: %w", path, err)
	}
	r.SetCompressor(compressor, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	f := &LogFile{
		path:    path,
		pipe:    pw,
		rotator: r,
		done:    make(chan struct{}),
	}

	// Nothing but stderr is left to report a failing log file on.
	go func() {
		defer close(f.done)

		err := r.Run(pr)
		if err != nil && !errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintf(os.Stderr, "log file %v: %v\n",
				path, err)
		}
	}()

	return f, nil
}

// newCompressor returns the writer compressing rolled files.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compressor: %w", err)
		}

		return w, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// Path returns the path of the active log file.
func (f *LogFile) Path() string {
	if f == nil {
		return ""
	}

	return f.path
}

// Write hands b to the rotator.
func (f *LogFile) Write(b []byte) (int, error) {
	if f == nil {
		return len(b), nil
	}

	return f.pipe.Write(b)
}

// Close flushes pending lines and closes the file.
func (f *LogFile) Close() error {
	if f == nil {
		return nil
	}

	_ = f.pipe.Close()
	<-f.done

	return f.rotator.Close()
}
