package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/sitebackup/internal/auth"
	"github.com/HerbHall/sitebackup/internal/config"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.Auth.JWTSecret
			if secret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			if len(secret) < config.MinSecretLength {
				return fmt.Errorf("auth.jwt_secret must be at least %d characters", config.MinSecretLength)
			}
			if ttl <= 0 {
				ttl = a.cfg.Auth.AccessTokenTTL
			}
			if role == "" {
				role = a.cfg.Auth.AdminRole
			}

			token, err := auth.NewTokenService([]byte(secret), ttl).IssueAccessToken(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", "", "role claim (default auth.admin_role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.access_token_ttl)")
	return cmd
}

func newHashKeyCmd(a *app) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an API key for auth.api_key_hashes, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				generated, err := auth.GenerateAPIKey()
				if err != nil {
					return err
				}
				key = generated
			}

			hash, err := auth.HashAPIKey(key, cost)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), map[string]string{"key": key, "hash": hash})
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				fmt.Fprintln(out, "key: ", key)
			}
			fmt.Fprintln(out, "hash:", hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default bcrypt.DefaultCost)")
	return cmd
}
