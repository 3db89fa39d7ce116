package cmd

import (
	"ezserve/internal/config"
	_ "ezserve/internal/handlers" // registers the built-in handlers and tasks
	"ezserve/pkg/logging"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool

	// Loaded before every command runs.
	cfg config.EzserveConfig
	log *logging.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ezserve",
	Short: "Run named services and the processes that use them, locally or over ssh",
	Long: `ezserve starts a group of cooperating processes that advertise named
endpoints ("services"), look each other up and connect, including across
hosts through ssh tunnels. Remote hosts run tasks against the services
through an ezserve worker started over ssh.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid stack files, failed connections)
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings()
	},
}

// loadSettings reads the configuration and sets up logging on stderr, since
// stdout carries the worker protocol.
func loadSettings() error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfigFromPath(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logging.LevelDebug
	}
	log = logging.InitForCLI(level, os.Stderr)
	return nil
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v // Set cobra's version field as well
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "ezserve version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.config/ezserve/config.yaml layered with ./.ezserve/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServicesCmd())
	rootCmd.AddCommand(newTunnelCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newFreePortCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
