package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake-dev/keepsake/internal/app"
)

var filesCmd = &cobra.Command{
	Use:   "files <project-id>",
	Short: "List a project's tracked files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			files, err := a.ListFiles(ctx, args[0])
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Println(f)
			}
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <project-id> <path>",
	Short: "Print a file's content from the latest snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			content, err := a.ReadFile(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		})
	},
}

var deltasCmd = &cobra.Command{
	Use:   "deltas <project-id>",
	Short: "Print a project's current delta log as JSON",
	Long: `Print the delta log: the open session's deltas when the daemon is
capturing, otherwise the log stored with the latest snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			log, err := a.ListDeltas(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(log)
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <project-id>",
	Short: "List a project's snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			snaps, err := a.Snapshots(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots yet.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%s  %s  %s\n",
					s.ID, s.Commit.Time.Local().Format(time.DateTime), s.Commit.Message)
			}
			return nil
		})
	},
}

func init() {
	snapshotsCmd.Flags().Int("limit", 20, "maximum snapshots to list (0 for all)")
	rootCmd.AddCommand(filesCmd, catCmd, deltasCmd, snapshotsCmd)
}
