// Command wkit performs one-off navigations from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/config"
	"github.com/ahrdadan/wkit/internal/logging"
)

// Global flags
var (
	logLevel  string
	logDev    bool
	chromeBin string
	control   string
	headless  bool
	noSandbox bool
	stealthy  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wkit",
	Short: "Drive a headless browser like a synchronous HTTP client",
	Long: `wkit navigates a headless Chromium, waits for the page to load and
prints the HTTP response that answered the navigation as JSON.`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       logLevel,
			Development: logDev,
			OutputPaths: []string{"stderr"},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logDev, "log-dev", false, "Human readable development logs")
	rootCmd.PersistentFlags().StringVar(&chromeBin, "chrome-bin", "", "Path to the Chromium binary")
	rootCmd.PersistentFlags().StringVar(&control, "control-url", "", "DevTools websocket URL of a running browser")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run Chromium headless")
	rootCmd.PersistentFlags().BoolVar(&noSandbox, "no-sandbox", false, "Disable the Chromium sandbox")
	rootCmd.PersistentFlags().BoolVar(&stealthy, "stealth", false, "Open pages with stealth evasions")

	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newDownloadChromeCmd())
	rootCmd.AddCommand(newGenKeyCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wkit:", err)
		os.Exit(1)
	}
}
