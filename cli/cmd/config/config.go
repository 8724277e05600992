package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/cli/helpers"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
	pkgconfig "github.com/alanjhayes/skynet-rc1/pkg/config"
)

const redacted = "********"

var sensitiveKeys = []string{"password", "api_key", "dsn"}

// NewConfigCommand creates the config command
func NewConfigCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	command.AddCommand(newShowCommand(), newValidateCommand())
	return command
}

// Settings is the flattened configuration keyed by dotted path.
type Settings map[string]any

func (Settings) Headers() []string {
	return []string{"KEY", "VALUE"}
}

func (s Settings) Rows() [][]string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprint(s[k])})
	}
	return rows
}

// Flatten returns cfg keyed by dotted koanf paths with secrets masked.
func Flatten(cfg *pkgconfig.Config) (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("flatten configuration: %w", err)
	}
	out := make(Settings, len(k.Keys()))
	for key, value := range k.All() {
		if isSensitive(key) && fmt.Sprint(value) != "" {
			value = redacted
		}
		out[key] = value
	}
	return out, nil
}

func isSensitive(key string) bool {
	leaf := key[strings.LastIndex(key, ".")+1:]
	for _, s := range sensitiveKeys {
		if leaf == s {
			return true
		}
	}
	return false
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration values",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			format := cmd.Format(ctx)
			settings, err := Flatten(pkgconfig.FromContext(ctx))
			if err != nil {
				return cmd.HandleCommonErrors(c, err, format)
			}
			return helpers.NewOutputWriter(c.OutOrStdout(), format).WriteData(settings)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and open every configured store",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, func(_ context.Context, _ *cobra.Command, rt *uc.Runtime, _ []string) (any, error) {
				cfg := rt.Config
				return map[string]any{
					"valid":       true,
					"store":       cfg.Store.Provider,
					"documents":   cfg.Documents.Provider,
					"model_store": cfg.Vectorizer.ModelStore,
				}, nil
			}, args)
		},
	}
}
