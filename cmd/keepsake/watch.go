package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Start capturing a project on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemonRequest(http.MethodPost, "/projects/"+args[0]+"/watch"); err != nil {
			return err
		}
		fmt.Printf("Watching %s\n", args[0])
		return nil
	},
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <project-id>",
	Short: "Stop capturing a project on the running daemon",
	Long: `Stop capturing a project on the running daemon. The open session is
flushed as a snapshot before capture stops.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemonRequest(http.MethodDelete, "/projects/"+args[0]+"/watch"); err != nil {
			return err
		}
		fmt.Printf("Stopped watching %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{watchCmd, unwatchCmd} {
		c.Flags().String("addr", "127.0.0.1:7690", "daemon API address")
	}
	rootCmd.AddCommand(watchCmd, unwatchCmd)
}

// daemonRequest sends a bodyless request to the running daemon's API and
// surfaces its error envelope on failure.
func daemonRequest(method, path string) error {
	addr := viper.GetString("addr")
	req, err := http.NewRequest(method, "http://"+addr+path, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is `keepsake serve` running?): %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Message != "" {
			return fmt.Errorf("daemon: %s", body.Message)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
