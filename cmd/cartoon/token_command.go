package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cartoon/internal/domain"
	"cartoon/internal/identity"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var email, name, locale string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for the API server (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			googleID, err := ctx.requireUser()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.JWTSecret) == "" {
				return errors.New("JWT_SECRET must be set to sign tokens")
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			verifier, err := identity.NewVerifier(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(domain.User{GoogleID: googleID, Email: email, Name: name, Locale: locale})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().StringVar(&locale, "locale", "", "Preferred locale claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default TOKEN_TTL_HOURS)")
	return cmd
}
