package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/markb/huddle/internal/auth"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing secrets and access tokens",
	Long:  `Commands for generating the HMAC secret and issuing development access tokens.`,
}

var keysSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a random HMAC signing secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		fmt.Printf("HUDDLE_JWT_SECRET=%s\n", hex.EncodeToString(buf))
		return nil
	},
}

var keysTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	Long: `Issues an HS256 access token signed with the configured secret.

Examples:
  huddle keys token --sub alice
  HUDDLE_JWT_SECRET=... huddle keys token --sub bob --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, _ := cmd.Flags().GetString("sub")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if sub == "" {
			return fmt.Errorf("--sub is required")
		}

		secret := stringSetting(cmd, "jwt-secret", "JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set HUDDLE_JWT_SECRET in production.")
			secret = defaultJWTSecret
		}

		r, err := auth.NewHMACResolver(secret, auth.Options{})
		if err != nil {
			return err
		}
		token, err := r.IssueToken(sub, ttl)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysSecretCmd)
	keysCmd.AddCommand(keysTokenCmd)

	keysTokenCmd.Flags().String("sub", "", "User id to put in the sub claim")
	keysTokenCmd.Flags().Duration("ttl", auth.AccessTokenExpiry, "Token lifetime")
	keysTokenCmd.Flags().String("jwt-secret", "", "HMAC secret (default: HUDDLE_JWT_SECRET)")
}
