package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "end SESSION_ID",
		Short: "End a session and print its final transcript and summary",
		Args:  cobra.ExactArgs(1),
		Run:   runEnd,
	}
	cmd.Flags().Bool("text", false, "Print transcript and summary as plain text")
	RootCmd.AddCommand(cmd)
}

func runEnd(cmd *cobra.Command, args []string) {
	text, _ := cmd.Flags().GetBool("text")

	out, err := NewClient(getServerURL()).EndSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("end session", err)
	}
	if !text {
		printJSON(out)
		return
	}
	fmt.Printf("Transcript:\n%v\n\nSummary:\n%v\n", out["transcript"], out["summary"])
}
