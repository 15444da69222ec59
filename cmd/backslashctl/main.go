// Command backslashctl talks to a worker's HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagAddr string
	flagUser string
)

var rootCmd = &cobra.Command{
	Use:           "backslashctl",
	Short:         "Control a backslash compile worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", envOr("BACKSLASH_ADDR", "http://127.0.0.1:8080"), "worker base URL")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("BACKSLASH_USER"), "acting user ID")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *Client {
	return &Client{BaseURL: flagAddr}
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
