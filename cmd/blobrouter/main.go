package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/blobrouter/pkg/logging"
	"github.com/jacktea/blobrouter/pkg/router"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

type app struct {
	logConfig logging.Config
	logger    logr.Logger
}

func (a *app) ensureLogger() error {
	logger, err := logging.New(a.logConfig)
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	a.logger = logger
	return nil
}

var (
	cfgFile     string
	application = &app{logger: logging.Discard()}
	rootCmd     = &cobra.Command{
		Use:           "blobrouter",
		Short:         "In-memory blob router simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("blobrouter")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "blobrouter"))
		}
	}
	viper.SetEnvPrefix("BLOBROUTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")
	logging.LoadConfigFromFlags(rootCmd.PersistentFlags(), &application.logConfig)

	rootCmd.PersistentFlags().Int("partitions", 8, "number of writable partitions")
	rootCmd.PersistentFlags().Int("queue-size", router.DefaultQueueSize, "writes buffered ahead of the writer")
	rootCmd.PersistentFlags().Duration("close-timeout", router.DefaultCloseTimeout, "how long close waits for queued writes")
	rootCmd.PersistentFlags().String("fault-mode", "none", "injected fault: none|panic-early|internal-error|router-error")
	rootCmd.PersistentFlags().String("fault-code", "UnexpectedInternalError", "error code used by the router-error fault")

	bindConfig("partitions", rootCmd.PersistentFlags().Lookup("partitions"))
	bindConfig("queue_size", rootCmd.PersistentFlags().Lookup("queue-size"))
	bindConfig("close_timeout", rootCmd.PersistentFlags().Lookup("close-timeout"))
	bindConfig("fault_mode", rootCmd.PersistentFlags().Lookup("fault-mode"))
	bindConfig("fault_code", rootCmd.PersistentFlags().Lookup("fault-code"))
}

func initCommands() {
	rootCmd.AddCommand(
		newSimulateCmd(),
		newInspectCmd(),
		newDecodeIDCmd(),
	)
}

// routerOptions is the router configuration read from viper.
type routerOptions struct {
	Partitions   int
	QueueSize    int
	CloseTimeout time.Duration
	Faults       router.FaultConfig
}

func loadRouterOptions(v *viper.Viper) (routerOptions, error) {
	opts := routerOptions{
		Partitions:   v.GetInt("partitions"),
		QueueSize:    v.GetInt("queue_size"),
		CloseTimeout: v.GetDuration("close_timeout"),
	}
	if opts.Partitions < 0 {
		return opts, fmt.Errorf("partitions must not be negative, got %d", opts.Partitions)
	}
	mode, err := router.ParseFaultMode(v.GetString("fault_mode"))
	if err != nil {
		return opts, err
	}
	opts.Faults.Mode = mode
	if mode == router.FaultRouterError {
		name := v.GetString("fault_code")
		code, ok := xerrors.ParseCode(name)
		if !ok {
			return opts, fmt.Errorf("unknown fault code %q", name)
		}
		opts.Faults.Code = code
	}
	return opts, nil
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent puts, gets and deletes through a router",
		RunE: func(cmd *cobra.Command, args []string) error {
			ropts, err := loadRouterOptions(viper.GetViper())
			if err != nil {
				return err
			}
			opts := simulateOptions{
				Router:      ropts,
				Puts:        viper.GetInt("simulate.puts"),
				Size:        viper.GetInt("simulate.size"),
				Workers:     viper.GetInt("simulate.workers"),
				DeleteEvery: viper.GetInt("simulate.delete_every"),
				Snapshot:    viper.GetString("simulate.snapshot"),
				Restore:     viper.GetString("simulate.restore"),
				Metrics:     viper.GetBool("simulate.metrics"),
			}
			return doSimulate(cmd.Context(), cmd.OutOrStdout(), application.logger, opts)
		},
	}
	cmd.Flags().Int("puts", 1000, "number of blobs to write")
	cmd.Flags().Int("size", 4096, "payload size in bytes")
	cmd.Flags().Int("workers", 16, "concurrent clients")
	cmd.Flags().Int("delete-every", 10, "delete every n-th blob after reading it back (0 disables)")
	cmd.Flags().String("snapshot", "", "write a snapshot of the final state to this file")
	cmd.Flags().String("restore", "", "start from the records in this snapshot")
	cmd.Flags().Bool("metrics", false, "print router metrics when done")
	bindConfig("simulate.puts", cmd.Flags().Lookup("puts"))
	bindConfig("simulate.size", cmd.Flags().Lookup("size"))
	bindConfig("simulate.workers", cmd.Flags().Lookup("workers"))
	bindConfig("simulate.delete_every", cmd.Flags().Lookup("delete-every"))
	bindConfig("simulate.snapshot", cmd.Flags().Lookup("snapshot"))
	bindConfig("simulate.restore", cmd.Flags().Lookup("restore"))
	bindConfig("simulate.metrics", cmd.Flags().Lookup("metrics"))
	return cmd
}

func newInspectCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Summarise a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInspect(cmd.Context(), cmd.OutOrStdout(), args[0], list)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print every record")
	return cmd
}

func newDecodeIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode-id <id>",
		Short: "Print the fields packed into a blob id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDecodeID(cmd.OutOrStdout(), args[0])
		},
	}
}
