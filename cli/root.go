package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd/config"
	"github.com/alanjhayes/skynet-rc1/cli/cmd/documents"
	"github.com/alanjhayes/skynet-rc1/cli/cmd/ingest"
	"github.com/alanjhayes/skynet-rc1/cli/cmd/query"
	"github.com/alanjhayes/skynet-rc1/cli/cmd/refit"
	"github.com/alanjhayes/skynet-rc1/cli/cmd/worker"
	"github.com/alanjhayes/skynet-rc1/cli/helpers"
	pkgconfig "github.com/alanjhayes/skynet-rc1/pkg/config"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
	"github.com/alanjhayes/skynet-rc1/pkg/version"
)

// flagKeys maps persistent override flags to configuration paths.
var flagKeys = map[string]string{
	"store":       "store.provider",
	"documents":   "documents.provider",
	"model-store": "vectorizer.model_store",
	"scope":       "vectorizer.scope",
	"redis-addr":  "redis.addr",
}

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "skynet",
		Short:         "Document retrieval for retrieval-augmented chat",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := SetupGlobalConfig(cmd); err != nil {
				cliErr := helpers.Categorize(err)
				fmt.Fprintln(cmd.ErrOrStderr(), helpers.FormatError(cliErr, helpers.OutputFormatTable))
				return cliErr
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", helpers.DefaultConfigFile, "Path to the config file")
	flags.String("env-file", helpers.DefaultEnvFile, "Path to a .env file loaded before the environment")
	flags.StringP("tenant", "t", "default", "Tenant the command operates on")
	flags.StringP("format", "o", string(helpers.OutputFormatAuto), "Output format (auto, json, yaml, table)")
	flags.String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.Bool("log-source", false, "Include the source location in logs")
	flags.String("store", "", "Vector store provider (memory, filesystem, redis, pgvector, qdrant)")
	flags.String("documents", "", "Document store provider (memory, redis, sqlite)")
	flags.String("model-store", "", "Vectorizer model store (memory, filesystem, redis)")
	flags.String("scope", "", "Vectorizer scope (tenant, global)")
	flags.String("redis-addr", "", "Redis address")

	root.AddCommand(
		ingest.NewIngestCommand(),
		query.NewQueryCommand(),
		documents.NewDocumentsCommand(),
		refit.NewRefitCommand(),
		worker.NewWorkerCommand(),
		config.NewConfigCommand(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := helpers.OutputFormatJSON
			if f, ok := cmd.Context().Value(helpers.FormatKey).(helpers.OutputFormat); ok && f != helpers.OutputFormatTable {
				format = f
			}
			return helpers.NewOutputWriter(cmd.OutOrStdout(), format).WriteData(version.Get())
		},
	}
}

// SetupGlobalConfig loads the .env file and the configuration, installs the
// logger, and stores both with the output format in the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	flags := cmd.Flags()
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	configFile, err := flags.GetString("config")
	if err != nil {
		return err
	}
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if flags.Changed(flag) {
			value, err := flags.GetString(flag)
			if err != nil {
				return err
			}
			overrides[key] = value
		}
	}
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	if logLevel != "" {
		overrides["runtime.log_level"] = logLevel
	}
	if flags.Changed("log-json") {
		overrides["runtime.log_json"] = logJSON
	}
	var sources []pkgconfig.Source
	if configFile != "" {
		sources = append(sources, pkgconfig.NewYAMLProvider(configFile))
	}
	sources = append(sources, pkgconfig.NewCLIProvider(overrides))
	manager := pkgconfig.NewManager(pkgconfig.NewService())
	cfg, err := manager.Load(ctx, sources...)
	if err != nil {
		return helpers.NewCliError("INVALID_CONFIG", "Failed to load configuration", err.Error())
	}
	formatFlag, err := flags.GetString("format")
	if err != nil {
		return err
	}
	format, err := helpers.ParseFormat(formatFlag)
	if err != nil {
		return helpers.NewCliError("INVALID_FLAG", err.Error())
	}
	format = helpers.ResolveFormat(format, os.Stdout)
	log := logger.SetupLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogJSON, logSource)
	log.Debug("Configuration loaded", "config", configFile, "store", cfg.Store.Provider, "format", format)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = pkgconfig.ContextWithManager(ctx, manager)
	ctx = context.WithValue(ctx, helpers.FormatKey, format)
	cmd.SetContext(ctx)
	return nil
}
