// Command keepsake runs the edit-capture daemon and its management CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keepsake-dev/keepsake/internal/logging"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "Capture fine-grained edit history for your projects",
	Long: `keepsake watches project directories, records keystroke-level edit
deltas as files change, and periodically persists snapshots of the full
working tree together with the captured delta log.

Projects inside a git repository store snapshots in that repository
under a private ref namespace (refs/keepsake/), without touching the
index, worktree, or branches. Other projects store snapshots in a local
database under the keepsake data directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keepsake version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keepsake %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "keepsake data directory (default ~/.keepsake)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (default stderr)")
	rootCmd.AddCommand(versionCmd)
}

// initConfig wires flags, environment, and the optional config file.
// Precedence: flags, then KEEPSAKE_* environment, then config file.
func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("KEEPSAKE")
	viper.AutomaticEnv()

	for _, key := range []string{"data-dir", "log-level", "log-file", "addr", "debounce", "inactivity", "max-deltas", "max-age"} {
		if f := cmd.Flags().Lookup(key); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	dataDir := viper.GetString("data-dir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".keepsake")
		viper.Set("data-dir", dataDir)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dataDir)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	_, err := logging.Setup(logging.Config{
		Level:      viper.GetString("log-level"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 28,
	})
	return err
}

func dataDir() string {
	return viper.GetString("data-dir")
}

func logger() *slog.Logger {
	return slog.Default()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
