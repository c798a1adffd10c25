package bootstrap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/hospital-ops-core/apps/cli/internal/platformdb"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

// Command groups bootstrap helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap platform resources",
		Long:  "Bootstrap platform resources such as the platform schema holding the tenant registry.",
	}

	cmd.AddCommand(platformCommand())
	return cmd
}

func platformCommand() *cobra.Command {
	var flags platformdb.Flags

	c := &cobra.Command{
		Use:   "platform",
		Short: "Create the platform schema and tenant registry (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			rt, err := platformdb.Open(ctx, flags, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			counts, err := rt.Tenants.StatusCounts(ctx)
			if err != nil {
				return fmt.Errorf("read tenant registry: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Platform schema %q ready. Tenants: %d active, %d blocked, %d expired.\n",
				rt.PlatformSchema, counts[tenant.StatusActive], counts[tenant.StatusBlocked], counts[tenant.StatusExpired])
			return nil
		},
	}

	flags.Bind(c)
	return c
}
