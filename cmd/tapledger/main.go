package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BrandonDHaskell/tapledger/internal/config"
)

const programName = "tapledger"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
	cfg        *config.Config
)

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("component", programName)), nil
}

// commonRun builds the logger and sizes GOMAXPROCS to the container quota.
func commonRun() *zap.Logger {
	logger, err := newLogger(globalFlags.debug || cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Error("set GOMAXPROCS", zap.Error(err))
	}
	return logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "RFID attendance ledger ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFile)
			return err
		},
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(
		serveCommand(),
		runOnceCommand(),
		verifyCommand(),
		healthCommand(),
		seedDevCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
