package refit

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
)

// NewRefitCommand creates the refit command
func NewRefitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refit",
		Short: "Refit the tenant's vectorizer and re-embed its documents",
		Long: `Fit a new vectorizer version on the tenant's indexed documents, re-embed
every document under it, then activate it and drop the previous version.
Queries keep using the previous version until the new one is active.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runRefit, args)
		},
	}
}

func runRefit(ctx context.Context, c *cobra.Command, rt *uc.Runtime, _ []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	return uc.NewRefit(rt.Pipeline).Execute(ctx, &uc.RefitInput{Tenant: tenant})
}
