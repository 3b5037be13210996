package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/strandnet/strand/src/common"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database used for session persistence.
	DefaultBadgerFile = "badger_db"

	// DefaultConfigName is the base name of the config file that the CLI
	// looks for in the datadir.
	DefaultConfigName = "strand"

	// DefaultDownloadFolder is the default name of the folder, inside the
	// datadir, where downloaded files are reassembled.
	DefaultDownloadFolder = "incoming"

	// DefaultUploadFolder is the default name of the folder, inside the
	// agent's home directory, where uploaded files are reassembled.
	DefaultUploadFolder = ".strand_uploads"
)

// Node roles.
const (
	// RoleController is the operator end: it opens sessions, drives
	// terminals, and moves files.
	RoleController = "controller"

	// RoleAgent is the remote end: it executes commands and serves files.
	RoleAgent = "agent"

	// RoleValidator only seals blocks. Controllers and agents also seal when
	// their NodeID is listed in the authority set.
	RoleValidator = "validator"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultServiceAddr       = "127.0.0.1:8080"
	DefaultStore             = false
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultSealInterval      = 500 * time.Millisecond
	DefaultSlowSealInterval  = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPersistInterval   = 10 * time.Second
	DefaultSessionMaxAge     = 24 * time.Hour
	DefaultCleanupSchedule   = "@hourly"
	DefaultCommandTimeout    = 60 * time.Second
	DefaultChunkRate         = 16
)

// Config contains all the configuration properties of a strand node.
type Config struct {
	// DataDir is the top-level directory containing strand configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file through an lfshook
	// hook.
	LogFile string `mapstructure:"log-file"`

	// NodeID is the identifier that transactions are addressed with. It
	// defaults to a fresh UUID.
	NodeID string `mapstructure:"node-id"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// Role selects which end of the channel this process is: controller,
	// agent, or validator.
	Role string `mapstructure:"role"`

	// Authorities is the set of node IDs allowed to seal blocks. A node
	// whose NodeID appears in this list runs the sealing loop.
	Authorities []string `mapstructure:"authorities"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent session storage with Badger. Without it,
	// sessions only live in memory.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// PollInterval is the period of the ledger poll loop.
	PollInterval time.Duration `mapstructure:"poll"`

	// SealInterval is the period of the seal timer when there are pending
	// transactions.
	SealInterval time.Duration `mapstructure:"seal"`

	// SlowSealInterval is the period of the seal timer when the pending pool
	// is empty.
	SlowSealInterval time.Duration `mapstructure:"slow-seal"`

	// HeartbeatInterval is the period of agent presence broadcasts.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// PersistInterval is the period of the session auto-persistence sweep.
	PersistInterval time.Duration `mapstructure:"persist"`

	// SessionMaxAge is how long a disconnected session survives without
	// activity before the cleanup job reaps it.
	SessionMaxAge time.Duration `mapstructure:"session-max-age"`

	// CleanupSchedule is the cron expression driving session cleanup.
	CleanupSchedule string `mapstructure:"cleanup-schedule"`

	// CommandTimeout is how long a terminal command may run before it is
	// forcibly terminated.
	CommandTimeout time.Duration `mapstructure:"command-timeout"`

	// UploadsDir is where the agent reassembles files uploaded to it.
	UploadsDir string `mapstructure:"uploads-dir"`

	// DownloadDir is where the controller reassembles files downloaded from
	// agents.
	DownloadDir string `mapstructure:"download-dir"`

	// ChunkRate caps the number of file chunks emitted into the ledger per
	// second.
	ChunkRate int `mapstructure:"chunk-rate"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		NodeID:            uuid.New().String(),
		Role:              RoleController,
		ServiceAddr:       DefaultServiceAddr,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		PollInterval:      DefaultPollInterval,
		SealInterval:      DefaultSealInterval,
		SlowSealInterval:  DefaultSlowSealInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PersistInterval:   DefaultPersistInterval,
		SessionMaxAge:     DefaultSessionMaxAge,
		CleanupSchedule:   DefaultCleanupSchedule,
		CommandTimeout:    DefaultCommandTimeout,
		UploadsDir:        filepath.Join(HomeDir(), DefaultUploadFolder),
		DownloadDir:       filepath.Join(DefaultDataDir(), DefaultDownloadFolder),
		ChunkRate:         DefaultChunkRate,
	}

	return config
}

// NewTestConfig returns a config object with default values, a special
// logger for debugging tests, fast intervals, and throw-away directories.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)

	dir := t.TempDir()
	config.SetDataDir(dir)
	config.UploadsDir = filepath.Join(dir, DefaultUploadFolder)

	config.PollInterval = 10 * time.Millisecond
	config.SealInterval = 20 * time.Millisecond
	config.SlowSealInterval = 50 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond
	config.PersistInterval = 50 * time.Millisecond

	return config
}

// SetDataDir sets the top-level strand directory, and updates the database
// and download directories if they are currently set to their default
// values. If they are not, it means the user has explicitely set them to
// something else, so avoid changing them again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
	if c.DownloadDir == filepath.Join(DefaultDataDir(), DefaultDownloadFolder) {
		c.DownloadDir = filepath.Join(dataDir, DefaultDownloadFolder)
	}
}

// IsValidator reports whether this node is expected to seal blocks, ie.
// whether its NodeID is in the configured authority set.
func (c *Config) IsValidator() bool {
	for _, a := range c.Authorities {
		if a == c.NodeID {
			return true
		}
	}
	return false
}

// Logger returns a formatted logrus Entry, with prefix set to "strand".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = &prefixed.TextFormatter{
			ForceFormatting: true,
		}

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}

			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.TextFormatter{DisableColors: true},
			))
		}
	}
	return c.logger.WithField("prefix", "strand")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level strand
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Strand")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Strand")
		} else {
			return filepath.Join(home, ".strand")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
