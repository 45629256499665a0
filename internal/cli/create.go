package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "create SESSION_ID",
		Short: "Create a recording session",
		Args:  cobra.ExactArgs(1),
		Run:   runCreate,
	}
	RootCmd.AddCommand(cmd)
}

func runCreate(cmd *cobra.Command, args []string) {
	out, err := NewClient(getServerURL()).CreateSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("create session", err)
	}
	printJSON(out)
}
