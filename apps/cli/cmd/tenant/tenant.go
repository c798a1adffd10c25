package tenantcmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/hospital-ops-core/apps/cli/internal/platformdb"
	"github.com/zenGate-Global/hospital-ops-core/domains/tenants/be/service"
)

// Command groups tenant onboarding helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant utilities (create, first administrator)",
	}

	cmd.AddCommand(createCommand())
	return cmd
}

func createCommand() *cobra.Command {
	var (
		flags        platformdb.Flags
		tenantID     string
		tenantName   string
		entitlements []string
		planType     string
		maxUsers     int
		adminEmail   string
		adminName    string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant, provision its partition and optionally create its first administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			rt, err := platformdb.Open(ctx, flags, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.TenantService(flags.EnvKey)

			input := service.CreateInput{
				TenantID:  tenantID,
				Name:      tenantName,
				CreatedBy: "cli",
			}
			if cmd.Flags().Changed("entitlements") {
				input.Entitlements = entitlements
			}
			if cmd.Flags().Changed("plan") {
				input.PlanType = &planType
			}
			if cmd.Flags().Changed("max-users") {
				input.MaxUsers = &maxUsers
			}

			created, err := svc.Create(ctx, input)
			switch {
			case errors.Is(err, service.ErrConflict):
				fmt.Fprintf(out, "Tenant %q already exists; skipping registration.\n", tenantID)
			case err != nil:
				return describe("create tenant", err)
			default:
				fmt.Fprintf(out, "Tenant %s registered (schema %s, plan %s, max users %d).\n",
					created.TenantID, created.SchemaName, created.PlanType, created.MaxUsers)
			}

			if strings.TrimSpace(adminEmail) == "" {
				return nil
			}

			admin, err := svc.CreateAdmin(ctx, tenantID, service.AdminInput{Email: adminEmail, FullName: adminName})
			switch {
			case errors.Is(err, service.ErrUserConflict):
				fmt.Fprintf(out, "Administrator %s already exists.\n", adminEmail)
				return nil
			case err != nil:
				return describe("create administrator", err)
			}
			fmt.Fprintf(out, "Administrator %s (%s) created in tenant %s.\n", admin.Email, admin.UserID, admin.TenantID)
			return nil
		},
	}

	flags.Bind(c)
	c.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant id (lowercase slug)")
	c.Flags().StringVar(&tenantName, "name", "", "Tenant display name")
	c.Flags().StringSliceVar(&entitlements, "entitlements", nil, "Platform keys (comma-separated; default sam,health)")
	c.Flags().StringVar(&planType, "plan", "demo", "Plan type (demo or paid)")
	c.Flags().IntVar(&maxUsers, "max-users", 10, "Maximum number of users")
	c.Flags().StringVar(&adminEmail, "admin-email", "", "First administrator email (optional)")
	c.Flags().StringVar(&adminName, "admin-full-name", "", "First administrator full name")

	_ = c.MarkFlagRequired("tenant-id")
	_ = c.MarkFlagRequired("name")

	return c
}

// describe flattens validation errors into a single readable line.
func describe(op string, err error) error {
	var verr *service.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	fields := make([]string, 0, len(verr.Fields))
	for field := range verr.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(verr.Fields[field], "; ")))
	}
	return fmt.Errorf("%s: %s", op, strings.Join(parts, ", "))
}
