package auth

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/hospital-ops-core/platform/go/auth/devtoken"
)

// Command groups authentication helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication helpers",
	}
	cmd.AddCommand(devTokenCommand())
	return cmd
}

func devTokenCommand() *cobra.Command {
	var params devtoken.Params

	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Generate an unsigned identity token for AUTH_PROVIDER=dev logins",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := devtoken.BuildUnsignedIdentityToken(params, time.Now().UTC())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&params.ProjectID, "project-id", "", "Identity project ID (iss/aud)")
	cmd.Flags().StringVar(&params.UserID, "user-id", "", "user_id/sub claim")
	cmd.Flags().StringVar(&params.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&params.Tenant, "tenant", "", "tenant claim (omit for platform owners)")

	cmd.Flags().StringVar(&params.Name, "name", "", "display name")
	cmd.Flags().BoolVar(&params.EmailVerified, "email-verified", true, "email_verified claim")
	cmd.Flags().BoolVar(&params.PlatformOwner, "platform-owner", false, "mark the identity as a platform owner")
	cmd.Flags().DurationVar(&params.ExpiresIn, "expires-in", time.Hour, "token lifetime (e.g. 30m, 2h)")

	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
