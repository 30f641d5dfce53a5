package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kerbaras/avatars/pkg/app"
	"github.com/kerbaras/avatars/pkg/config"
	"github.com/kerbaras/avatars/pkg/logger"
	"github.com/kerbaras/avatars/pkg/services"
)

var (
	configPath string
	logLevel   string
	workers    int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "avatars",
	Short: "A VRChat avatar manager",
	Long:  "Browse, search and download your VRChat avatars with a TUI and CLI",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Launch TUI by default
		ctrl, err := openController(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		return app.NewApp(ctrl).Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Concurrent downloads")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr instead of the log file")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(libraryCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

// loadSettings reads the configuration file, then the environment, then flags.
func loadSettings() (config.Settings, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Settings{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if workers > 0 {
		cfg.Downloads.Workers = workers
	}
	return cfg, cfg.Validate()
}

// openController builds the services for one command and, when restore is
// set, requires the saved session to still be valid.
func openController(ctx context.Context, restore bool) (*services.Controller, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}

	output := cfg.LogFile
	if verbose {
		output = "stderr"
	}
	log, err := logger.New(cfg.LogLevel, verbose, output)
	if err != nil {
		return nil, err
	}

	ctrl, err := services.NewController(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	ctrl.Start(ctx)

	if restore {
		ok, err := ctrl.Restore(ctx)
		if err != nil {
			log.Warn("session restore failed", zap.Error(err))
		}
		if !ok {
			ctrl.Close()
			return nil, fmt.Errorf("not logged in, run 'avatars login' first")
		}
	}
	return ctrl, nil
}

func truncateString(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
