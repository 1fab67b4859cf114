package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"screening-engine/internal/infra/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token from the shared secret",
	Long: `Mint an HS256 bearer token signed with the server's jwt_secret.

Example:
  SCREENCTL_JWT_SECRET=... screenctl token --subject reviewer --ttl 12h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return errors.New("jwt secret not found: set --secret or SCREENCTL_JWT_SECRET")
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, exp, err := api.NewAuthManager(secret, ttl).Mint(subject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		cmd.PrintErrf("expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	flags := tokenCmd.Flags()
	flags.String("secret", "", "shared HS256 secret")
	_ = viper.BindPFlag("jwt_secret", flags.Lookup("secret"))
	flags.String("subject", "screenctl", "token subject")
	flags.Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
