// Package cli implements the uploadclient commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "uploadclient",
	Short: "Drive a meeting transcript service from the command line",
	Long:  "Create sessions, upload audio in sequenced chunks (optionally out of order), end sessions and watch live events.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Service base URL (default: $TRANSCRIPT_SERVER or http://localhost:8000)")
}

func getServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("TRANSCRIPT_SERVER"); env != "" {
		return env
	}
	return "http://localhost:8000"
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
