package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"duel-engine/internal/audit"
	"duel-engine/internal/model"
)

// ReplayResult is the replay command's report.
type ReplayResult struct {
	BattleID      string              `json:"battle_id"`
	Events        int                 `json:"events"`
	State         *audit.State        `json:"state,omitempty"`
	ReplayError   string              `json:"replay_error,omitempty"`
	Discrepancies []audit.Discrepancy `json:"discrepancies"`
	Consistent    bool                `json:"consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <battle-id>",
		Short: "Rebuild a battle from its audit trail and reconcile it",
		Long: `Fetch a battle's audit trail, rebuild the battle from its events alone
and compare the result with the stored battle and participant rows.
Only participants of the battle may read its trail.

Exit codes:
  0 - The trail and the stored rows agree
  1 - Discrepancies found, or the service refused the request
  2 - Command error (server unreachable, bad flags)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trail, err := rootOpts.client().Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := buildReplayResult(args[0], trail.Battle, trail.Events, trail.Participants)
			if err := emit(cmd, rootOpts, res, func(w io.Writer) { printReplay(w, res) }); err != nil {
				return err
			}
			if !res.Consistent {
				return NewExitError(ExitFailure, fmt.Sprintf("battle %s: %d discrepancies", args[0], len(res.Discrepancies)))
			}
			return nil
		},
	}
}

// buildReplayResult verifies locally rather than trusting the server's own
// reconciliation.
func buildReplayResult(battleID string, b *model.Battle, events []model.BattleAuditEvent, parts []model.BattleParticipant) ReplayResult {
	res := ReplayResult{BattleID: battleID, Events: len(events)}
	st, err := audit.Replay(events)
	if err != nil {
		res.ReplayError = err.Error()
	} else {
		res.State = st
	}
	if b != nil {
		res.Discrepancies = audit.Verify(b, events, parts)
	} else {
		res.Discrepancies = []audit.Discrepancy{{Field: "battle", Stored: "missing", Replayed: "present"}}
	}
	if res.Discrepancies == nil {
		res.Discrepancies = []audit.Discrepancy{}
	}
	res.Consistent = err == nil && len(res.Discrepancies) == 0
	return res
}

func printReplay(w io.Writer, res ReplayResult) {
	fmt.Fprintf(w, "battle %s: %d events\n", res.BattleID, res.Events)
	if res.ReplayError != "" {
		fmt.Fprintf(w, "  replay failed: %s\n", res.ReplayError)
	}
	if st := res.State; st != nil {
		fmt.Fprintf(w, "  status:   %s\n", st.Status)
		fmt.Fprintf(w, "  creator:  %s\n", st.CreatorID)
		if st.OpponentID != "" {
			fmt.Fprintf(w, "  opponent: %s\n", st.OpponentID)
		}
		roles := make([]string, 0, len(st.Taps))
		for role := range st.Taps {
			roles = append(roles, string(role))
		}
		sort.Strings(roles)
		for _, role := range roles {
			t := st.Taps[model.ParticipantRole(role)]
			fmt.Fprintf(w, "  %s tap: %dms (ping %dms)\n", role, t.ReactionMs, t.PingMs)
		}
		if st.WinnerID != "" {
			fmt.Fprintf(w, "  winner:   %s (%s)\n", st.WinnerID, st.Reason)
		}
	}
	if res.Consistent {
		fmt.Fprintln(w, "  consistent: trail matches stored rows")
		return
	}
	for _, d := range res.Discrepancies {
		fmt.Fprintf(w, "  MISMATCH %s: stored=%q replayed=%q\n", d.Field, d.Stored, d.Replayed)
	}
}
