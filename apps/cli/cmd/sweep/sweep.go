package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/hospital-ops-core/apps/cli/internal/platformdb"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/sweeper"
)

// Command runs the retention sweep once, outside the API server's schedule.
func Command() *cobra.Command {
	var (
		flags                platformdb.Flags
		idempotencyRetention time.Duration
		idempotencyStale     time.Duration
		auditRetentionDays   int
	)

	c := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency and audit records in every tenant partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			rt, err := platformdb.Open(ctx, flags, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			s, err := sweeper.New(sweeper.Config{
				Tenants:              rt.Tenants,
				Idempotency:          rt.Idempotency,
				Audit:                rt.AuditStore,
				IdempotencyRetention: idempotencyRetention,
				IdempotencyStale:     idempotencyStale,
				AuditRetention:       time.Duration(auditRetentionDays) * 24 * time.Hour,
				Logger:               rt.Logger,
			})
			if err != nil {
				return err
			}

			report, err := s.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Swept %d tenants (%d failed): %d idempotency records, %d audit records deleted.\n",
				report.Tenants, report.Failed, report.IdempotencyDeleted, report.AuditDeleted)
			if report.Failed > 0 {
				return fmt.Errorf("%d tenants could not be swept; see logs", report.Failed)
			}
			return nil
		},
	}

	flags.Bind(c)
	c.Flags().DurationVar(&idempotencyRetention, "idempotency-retention", sweeper.DefaultIdempotencyRetention, "Age after which completed idempotency records are deleted")
	c.Flags().DurationVar(&idempotencyStale, "idempotency-stale-after", 30*time.Second, "Pending staleness threshold; pending records older than 10x are deleted")
	c.Flags().IntVar(&auditRetentionDays, "audit-retention-days", 365, "Days audit records are kept")

	return c
}
