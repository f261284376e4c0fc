package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake-dev/keepsake/internal/app"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/store"
	_ "github.com/keepsake-dev/keepsake/internal/store/badgerstore"
	_ "github.com/keepsake-dev/keepsake/internal/store/gitstore"
	"github.com/keepsake-dev/keepsake/internal/watcher"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *project.Registry) error {
			p, err := r.Add(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s\n", p.Path)
			fmt.Printf("  id: %s\n", p.ID)
			fmt.Println("The daemon picks it up on next start; or POST /projects/" + p.ID + "/watch on a running daemon.")
			return nil
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *project.Registry) error {
			projects, err := r.List(ctx)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects registered.")
				return nil
			}
			for _, p := range projects {
				fmt.Printf("%s  %s  (added %s)\n",
					p.ID, p.Path, p.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		})
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a project from the registry",
	Long: `Remove a project from the registry. Captured snapshots are left in
place; only tracking stops.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *project.Registry) error {
			if err := r.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRemoveCmd)
	rootCmd.AddCommand(projectCmd)
}

// withRegistry runs a one-shot registry operation.
func withRegistry(fn func(ctx context.Context, r *project.Registry) error) error {
	r, err := project.Open(filepath.Join(dataDir(), "registry.db"))
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(context.Background(), r)
}

// withApp assembles a full engine for one-shot read commands. No hub,
// no HTTP server.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	registry, err := project.Open(filepath.Join(dataDir(), "registry.db"))
	if err != nil {
		return err
	}

	factory := store.NewFactory(dataDir())
	mgr := watcher.NewManager(factory, nil, watcher.Config{
		Policy: session.DefaultPolicy(),
		Logger: logger(),
	})
	a := app.New(registry, factory, mgr, nil, logger())

	ctx := context.Background()
	defer a.Close(ctx)
	return fn(ctx, a)
}
