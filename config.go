package demand

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/oathar/demand-cli/build"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/jdclient"
	"github.com/oathar/demand-cli/signal"
)

const (
	defaultConfigFilename = "demand.conf"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"

	defaultTPAddress         = "127.0.0.1:8442"
	defaultPoolAddress       = "127.0.0.1:34264"
	defaultPoolMiningAddress = "127.0.0.1:34254"
	defaultDownstreamListen  = "0.0.0.0:34255"
	defaultPrometheusListen  = "127.0.0.1:8989"

	defaultMinExtranonceSize = 8
	defaultStatsInterval     = time.Minute
	defaultVendor            = "demand-cli"

	defaultHealthInterval = time.Minute
	defaultHealthAttempts = 3
	defaultHealthTimeout  = 5 * time.Second
	defaultHealthBackoff  = 10 * time.Second
)

var (
	// DefaultDemandDir is the default directory where the daemon tries to
	// find its configuration file and store its data.
	DefaultDemandDir = btcutil.AppDataDir("demand", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultDemandDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultDemandDir, defaultLogDirname)

	// ErrMissingAuthKey is returned when no operator authority key was
	// configured.
	ErrMissingAuthKey = errors.New("authority public key not set")
)

// Prometheus holds the settings of the metrics endpoint.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Serve prometheus metrics."`
	Listen string `long:"listen" description:"The interface the metrics endpoint listens on."`
}

// HealthCheck holds the settings of the proxy health check.
//
//nolint:lll
type HealthCheck struct {
	Interval time.Duration `long:"interval" description:"How often the proxy health is checked. Set to 0 to disable."`
	Attempts int           `long:"attempts" description:"The number of failed checks in a row before shutting down."`
	Timeout  time.Duration `long:"timeout" description:"The amount of time a single check may take."`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to wait between failed attempts."`
}

// Config defines the configuration options of the daemon.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	DemandDir  string `long:"demanddir" description:"The base directory that contains the config file and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	TPAddress         string `long:"tpaddress" description:"The template provider, as host:port."`
	PoolAddress       string `long:"pooladdress" description:"The pool's job declarator server, as host:port."`
	PoolMiningAddress string `long:"poolminingaddress" description:"The pool's mining endpoint, as host:port."`
	DownstreamListen  string `long:"listen" description:"The interface mining devices connect to."`
	AuthPubKey        string `long:"authpubkey" description:"The hex encoded authority public key of the pool."`
	MinExtranonceSize uint16 `long:"minextranoncesize" description:"The extranonce size requested from the pool."`
	ChannelID         uint32 `long:"channelid" description:"The extended channel jobs are announced on."`
	DeviceID          string `long:"deviceid" description:"The device identifier announced during connection setup."`

	StatsInterval time.Duration `long:"statsinterval" description:"How often share and job statistics are logged. Set to 0 to disable."`

	TestOnlyDoNotSendSolutionToTP bool `long:"test-only-do-not-send-solution-to-tp" description:"Do not submit found blocks to the template provider. Only for testing."`

	Prometheus *Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthCheck *HealthCheck `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// LogFile is the rotating log file. It is opened by LoadConfig, stays
	// nil if file logging is disabled and must be closed on shutdown.
	LogFile *build.LogFile `no-flag:"true"`

	// authKey is the parsed AuthPubKey.
	authKey *btcec.PublicKey
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		DemandDir:         DefaultDemandDir,
		ConfigFile:        DefaultConfigFile,
		LogDir:            defaultLogDir,
		DebugLevel:        defaultLogLevel,
		TPAddress:         defaultTPAddress,
		PoolAddress:       defaultPoolAddress,
		PoolMiningAddress: defaultPoolMiningAddress,
		DownstreamListen:  defaultDownstreamListen,
		MinExtranonceSize: defaultMinExtranonceSize,
		ChannelID:         jdclient.DefaultChannelID,
		StatsInterval:     defaultStatsInterval,
		Prometheus: &Prometheus{
			Listen: defaultPrometheusListen,
		},
		HealthCheck: &HealthCheck{
			Interval: defaultHealthInterval,
			Attempts: defaultHealthAttempts,
			Timeout:  defaultHealthTimeout,
			Backoff:  defaultHealthBackoff,
		},
		LogConfig: build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string, interceptor signal.Interceptor) (*Config,
	error) {

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their base directory, then we should assume they intend to
	// use the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.DemandDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultDemandDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	if err := cleanCfg.setupLogging(interceptor); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		dmndLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. This makes sure
// no illegal values or combination of values are set. All file system paths
// are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided base directory is not the default, we'll modify the
	// path to the log directory living within it.
	demandDir := CleanAndExpandPath(cfg.DemandDir)
	if demandDir != DefaultDemandDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(demandDir, defaultLogDirname)
	}
	cfg.DemandDir = demandDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	addrs := []struct {
		name string
		addr string
	}{
		{"tpaddress", cfg.TPAddress},
		{"pooladdress", cfg.PoolAddress},
		{"poolminingaddress", cfg.PoolMiningAddress},
		{"listen", cfg.DownstreamListen},
	}
	for _, a := range addrs {
		if _, _, err := net.SplitHostPort(a.addr); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", a.name,
				a.addr, err)
		}
	}

	if cfg.AuthPubKey == "" {
		return nil, ErrMissingAuthKey
	}
	keyBytes, err := hex.DecodeString(cfg.AuthPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid authpubkey: %w", err)
	}
	cfg.authKey, err = btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid authpubkey: %w", err)
	}

	if cfg.MinExtranonceSize == 0 {
		return nil, errors.New("minextranoncesize must be positive")
	}

	if cfg.StatsInterval < 0 {
		return nil, fmt.Errorf("statsinterval must not be negative, "+
			"got %v", cfg.StatsInterval)
	}

	if cfg.HealthCheck.Interval != 0 && cfg.HealthCheck.Attempts < 1 {
		return nil, fmt.Errorf("healthcheck.attempts must be positive, "+
			"got %d", cfg.HealthCheck.Attempts)
	}

	if cfg.Prometheus.Enable {
		_, _, err := net.SplitHostPort(cfg.Prometheus.Listen)
		if err != nil {
			return nil, fmt.Errorf("invalid prometheus.listen: %w",
				err)
		}
	}

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setupLogging opens the log file, creates the log handler and applies the
// configured debug levels.
func (c *Config) setupLogging(interceptor signal.Interceptor) error {
	if !c.LogConfig.File.Disable {
		logFile, err := build.OpenLogFile(c.LogConfig.File, c.LogDir)
		if err != nil {
			return fmt.Errorf("log rotation setup failed: %w", err)
		}
		c.LogFile = logFile
	}

	root := build.NewSubLoggerManager(
		build.NewDefaultHandler(c.LogConfig, c.LogFile),
	)
	SetupLoggers(root, interceptor)

	return build.ParseAndSetDebugLevels(c.DebugLevel, root)
}

// AuthKey returns the parsed authority public key.
func (c *Config) AuthKey() *btcec.PublicKey {
	return c.authKey
}

// ClientConfig returns the settings of the job declarator client.
func (c *Config) ClientConfig() *jdclient.Config {
	return &jdclient.Config{
		TPAddress:                     c.TPAddress,
		PoolAddress:                   c.PoolAddress,
		AuthPubKey:                    c.authKey,
		MinExtranonceSize:             c.MinExtranonceSize,
		ChannelID:                     c.ChannelID,
		TestOnlyDoNotSendSolutionToTP: c.TestOnlyDoNotSendSolutionToTP,
		Handshake:                     c.handshakeConfig(),
	}
}

// handshakeConfig describes this process in connection setup requests.
func (c *Config) handshakeConfig() handshake.Config {
	return handshake.Config{
		Vendor:   defaultVendor,
		Firmware: build.Version(),
		DeviceID: c.DeviceID,
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
