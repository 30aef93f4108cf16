package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"collabhub/api/internal/config"
	"collabhub/api/internal/store"
)

func newProjectCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects and collaborator roles",
	}
	cmd.AddCommand(newProjectCreateCmd(cfg), newProjectGrantCmd(cfg))
	return cmd
}

func newProjectCreateCmd(cfg *config.Config) *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Create a project owned by a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfg, func(ctx context.Context, db *store.SQLStore) error {
				project, err := db.CreateProject(ctx, store.Project{ID: args[0], Name: name, OwnerID: owner})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created project %s (%s) owned by %s\n", project.ID, project.Name, project.OwnerID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner participant id")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newProjectGrantCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <project-id> <participant-id> <read|write|admin>",
		Short: "Grant a collaborator role on a project",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfg, func(ctx context.Context, db *store.SQLStore) error {
				if err := db.SetCollaborator(ctx, store.Collaborator{ProjectID: args[0], ParticipantID: args[1], Role: args[2]}); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "granted %s on %s to %s\n", args[2], args[0], args[1])
				return err
			})
		},
	}
}

func withStore(ctx context.Context, cfg config.Config, fn func(context.Context, *store.SQLStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MigrationsDir, cfg.AllowMultiplePending())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(ctx, db)
}
