package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"duel-engine/internal/model"
)

// NewBalanceCommand sets an agent's stake balance. Requires an ADMIN token.
func NewBalanceCommand(opts *RootOptions) *cobra.Command {
	var (
		agentID string
		stake   string
		amount  int64
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Set an agent's stake balance (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().SetBalance(cmd.Context(), agentID, model.StakeType(stake), amount); err != nil {
				return err
			}
			out := map[string]any{"agent_id": agentID, "stake_type": stake, "amount": amount}
			return emit(cmd, opts, out, func(w io.Writer) {
				fmt.Fprintf(w, "%s now holds %d %s\n", agentID, amount, stake)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("agent")
	cmd.Flags().StringVar(&stake, "stake", string(model.StakeEnergy), "stake type (energy|credits|clues)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "new balance")
	return cmd
}

// NewSweepCommand expires stale battles now instead of waiting for the
// scheduled sweep. Requires an ADMIN token.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale battles now (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cmd, opts, map[string]int{"expired": n}, func(w io.Writer) {
				fmt.Fprintf(w, "expired %d battles\n", n)
			})
		},
	}
}
