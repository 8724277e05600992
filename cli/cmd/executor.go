package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/helpers"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
	"github.com/alanjhayes/skynet-rc1/pkg/config"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// HandlerFunc runs one command against an open runtime and returns the value to print.
type HandlerFunc func(ctx context.Context, cmd *cobra.Command, rt *uc.Runtime, args []string) (any, error)

type runtimeOptionsKey struct{}

// ContextWithRuntimeOptions makes every command build its runtime with opts.
func ContextWithRuntimeOptions(ctx context.Context, opts ...uc.RuntimeOption) context.Context {
	return context.WithValue(ctx, runtimeOptionsKey{}, opts)
}

func runtimeOptions(ctx context.Context) []uc.RuntimeOption {
	opts, _ := ctx.Value(runtimeOptionsKey{}).([]uc.RuntimeOption)
	return opts
}

// Format returns the output format resolved by the root command.
func Format(ctx context.Context) helpers.OutputFormat {
	if f, ok := ctx.Value(helpers.FormatKey).(helpers.OutputFormat); ok {
		return f
	}
	return helpers.OutputFormatJSON
}

// Tenant reads the --tenant flag.
func Tenant(cmd *cobra.Command) (string, error) {
	tenant, err := cmd.Flags().GetString("tenant")
	if err != nil {
		return "", err
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return "", helpers.NewCliError("MISSING_FLAG", "required flag 'tenant' not specified")
	}
	return tenant, nil
}

// ExecuteCommand opens the runtime for the configuration in the command context,
// runs handler, writes its result, and closes the runtime.
func ExecuteCommand(cmd *cobra.Command, handler HandlerFunc, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	format := Format(ctx)
	rt, err := uc.NewRuntime(ctx, config.FromContext(ctx), runtimeOptions(ctx)...)
	if err != nil {
		return HandleCommonErrors(cmd, err, format)
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.FromContext(ctx).Warn("Failed to close runtime", "error", cerr)
		}
	}()
	result, err := handler(ctx, cmd, rt, args)
	if err != nil {
		return HandleCommonErrors(cmd, err, format)
	}
	if result == nil {
		return nil
	}
	if err := helpers.NewOutputWriter(cmd.OutOrStdout(), format).WriteData(result); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// HandleCommonErrors prints err in the command's format and returns it as a CliError.
func HandleCommonErrors(cmd *cobra.Command, err error, format helpers.OutputFormat) error {
	if err == nil {
		return nil
	}
	cliErr := helpers.Categorize(err)
	fmt.Fprintln(cmd.ErrOrStderr(), helpers.FormatError(cliErr, format))
	return cliErr
}

// ValidateRequiredFlags checks that all required flags are present and valid.
func ValidateRequiredFlags(cmd *cobra.Command, required []string) error {
	for _, flag := range required {
		if !cmd.Flags().Changed(flag) {
			return helpers.NewCliError("MISSING_FLAG", fmt.Sprintf("required flag '%s' not specified", flag))
		}
		if value, err := cmd.Flags().GetString(flag); err == nil && strings.TrimSpace(value) == "" {
			return helpers.NewCliError("EMPTY_FLAG", fmt.Sprintf("required flag '%s' cannot be empty", flag))
		}
	}
	return nil
}
