package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"collabhub/api/internal/auth"
	"collabhub/api/internal/config"
)

func newTokenCmd(cfg *config.Config) *cobra.Command {
	var participantID, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(participantID) == "" {
				return fmt.Errorf("--participant is required")
			}
			if strings.TrimSpace(name) == "" {
				name = participantID
			}
			token, expiresAt, err := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL).Issue(auth.Identity{
				ParticipantID: strings.TrimSpace(participantID),
				DisplayName:   strings.TrimSpace(name),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return err
		},
	}
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the participant id)")
	return cmd
}
