package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meeting-transcript-service/internal/models"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch [SESSION_ID]",
		Short: "Stream live events, for one session or all of them",
		Args:  cobra.MaximumNArgs(1),
		Run:   runWatch,
	}
	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewClient(getServerURL()).Watch(ctx, sessionID, func(raw json.RawMessage) {
		fmt.Println(describeEvent(raw))
	})
	if err != nil && ctx.Err() == nil {
		exitErr("watch", err)
	}
}

type eventView struct {
	Type      models.EventType `json:"eventType"`
	SessionID string           `json:"sessionId"`
	Payload   struct {
		Seq       int64  `json:"seq"`
		DeltaText string `json:"deltaText"`
		WordCount int    `json:"wordCount"`
		Summary   string `json:"summary"`
		Reason    string `json:"reason"`
	} `json:"payload"`
}

// describeEvent renders one event as a single line; unknown frames are
// printed as received.
func describeEvent(raw json.RawMessage) string {
	var e eventView
	if err := json.Unmarshal(raw, &e); err != nil || e.Type == "" {
		return string(raw)
	}
	p := e.Payload
	switch e.Type {
	case models.EventTranscriptDelta:
		return fmt.Sprintf("[%s] #%d +%q (%d words)", e.SessionID, p.Seq, p.DeltaText, p.WordCount)
	case models.EventSummaryProduced:
		return fmt.Sprintf("[%s] summary (%s, %d words): %s", e.SessionID, p.Reason, p.WordCount, p.Summary)
	case models.EventSessionEnded:
		return fmt.Sprintf("[%s] ended (%d words)", e.SessionID, p.WordCount)
	}
	return string(raw)
}
