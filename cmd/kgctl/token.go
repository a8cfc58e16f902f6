package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lodestar/api/internal/auth"
	"lodestar/api/internal/rbac"
)

var (
	tokenUser string
	tokenName string
	tokenOrgs []string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		orgs, err := parseMemberships(tokenOrgs)
		if err != nil {
			return err
		}
		name := tokenName
		if name == "" {
			name = tokenUser
		}
		token, err := auth.IssueToken([]byte(cfg.TokenSecret), auth.Claims{
			Sub:  tokenUser,
			Name: name,
			Orgs: orgs,
			JTI:  uuid.NewString(),
			Exp:  time.Now().Add(tokenTTL).Unix(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// parseMemberships reads org=role pairs. A bare org id grants viewer.
func parseMemberships(values []string) (map[string]string, error) {
	orgs := make(map[string]string, len(values))
	for _, value := range values {
		org, role, found := strings.Cut(value, "=")
		org = strings.TrimSpace(org)
		if org == "" {
			return nil, fmt.Errorf("invalid membership %q", value)
		}
		if !found {
			role = string(rbac.RoleViewer)
		}
		normalized := rbac.Normalize(strings.TrimSpace(role))
		if string(normalized) != strings.TrimSpace(role) {
			return nil, fmt.Errorf("unknown role %q in %q", role, value)
		}
		orgs[org] = string(normalized)
	}
	return orgs, nil
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().StringSliceVar(&tokenOrgs, "org", nil, "organization membership as org=role, repeatable")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
