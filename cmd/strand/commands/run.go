package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strandnet/strand/src/strand"
)

//NewRunCmd returns the command that starts a strand node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runStrand,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runStrand(cmd *cobra.Command, args []string) error {
	engine := strand.NewStrand(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	if err := engine.Run(); err != nil {
		_config.Logger().Error("Cannot run engine:", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh

	_config.Logger().WithField("signal", sig.String()).Info("Shutting down")

	engine.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file to duplicate log output to")
	cmd.Flags().String("node-id", _config.NodeID, "Identifier of this node on the channel")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")
	cmd.Flags().String("role", _config.Role, "controller, agent, or validator")
	cmd.Flags().StringSlice("authorities", _config.Authorities, "Node ids allowed to seal blocks")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the status API")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem session store")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Timers
	cmd.Flags().Duration("poll", _config.PollInterval, "Interval between ledger polls")
	cmd.Flags().Duration("seal", _config.SealInterval, "Sealing interval while transactions are pending")
	cmd.Flags().Duration("slow-seal", _config.SlowSealInterval, "Sealing interval while idle")
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Interval between presence heartbeats")
	cmd.Flags().Duration("persist", _config.PersistInterval, "Interval between session persistence sweeps")

	// Sessions
	cmd.Flags().Duration("session-max-age", _config.SessionMaxAge, "Idle age after which disconnected sessions are reaped")
	cmd.Flags().String("cleanup-schedule", _config.CleanupSchedule, "Cron schedule of the session cleanup")
	cmd.Flags().Duration("command-timeout", _config.CommandTimeout, "Time before a running command is killed")

	// Transfers
	cmd.Flags().String("uploads-dir", _config.UploadsDir, "Where the agent reassembles uploaded files")
	cmd.Flags().String("download-dir", _config.DownloadDir, "Where the controller reassembles downloaded files")
	cmd.Flags().Int("chunk-rate", _config.ChunkRate, "Max file chunks emitted per second")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db or --download-dir, this
	// will update their defaults to live inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":           _config.DataDir,
		"NodeID":            _config.NodeID,
		"Moniker":           _config.Moniker,
		"Role":              _config.Role,
		"Authorities":       _config.Authorities,
		"NoService":         _config.NoService,
		"ServiceAddr":       _config.ServiceAddr,
		"Store":             _config.Store,
		"LogLevel":          _config.LogLevel,
		"PollInterval":      _config.PollInterval,
		"SealInterval":      _config.SealInterval,
		"SlowSealInterval":  _config.SlowSealInterval,
		"HeartbeatInterval": _config.HeartbeatInterval,
		"PersistInterval":   _config.PersistInterval,
		"SessionMaxAge":     _config.SessionMaxAge,
		"CleanupSchedule":   _config.CleanupSchedule,
		"CommandTimeout":    _config.CommandTimeout,
		"ChunkRate":         _config.ChunkRate,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/strand.toml (.json, .yaml also work)
	viper.SetConfigName("strand")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
