package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/cmd/cli/commands"
	"github.com/jakechorley/farm-visits/internal/config"
	"github.com/jakechorley/farm-visits/pkg/utils/logging"
)

var (
	env        string
	configPath string
	verbose    bool
)

func main() {
	app := &commands.AppContext{}

	rootCmd := &cobra.Command{
		Use:           "visits",
		Short:         "Farm visits CLI - schedule, approve and record advisory visits",
		Long:          `A CLI for taking farm advisory visits from draft through approval, the on-farm form and completion.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(app)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
			if app.Logger != nil {
				_ = app.Logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "", "Environment (required: test, prod, etc.)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults to visits_config.<env>.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs on the console")
	_ = rootCmd.MarkPersistentFlagRequired("env")

	rootCmd.AddCommand(
		commands.ListCmd(app),
		commands.ShowCmd(app),
		commands.CreateCmd(app),
		commands.UpdateCmd(app),
		commands.SubmitCmd(app),
		commands.ApproveCmd(app),
		commands.RejectCmd(app),
		commands.PostponeCmd(app),
		commands.StartCmd(app),
		commands.FillCmd(app),
		commands.CompleteCmd(app),
		commands.CancelCmd(app),
		commands.DeleteCmd(app),
		commands.MigrateCmd(app),
		commands.InteractiveCmd(app),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up logger, config, gateway and session
func initApp(app *commands.AppContext) error {
	logger, logFile, err := logging.InitLogger(env, logging.WithVerbose(verbose))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting application", zap.String("environment", env))
	logger.Debug("Logging to file", zap.String("path", logFile))

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.LoadWithEnv(env)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Env = env
	logger.Debug("Configuration loaded successfully",
		zap.String("backend", string(cfg.Backend)),
		zap.String("user_id", cfg.UserID))

	built, err := commands.NewAppContext(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	*app = *built

	logger.Info("Ready", zap.String("backend", string(cfg.Backend)))
	return nil
}
