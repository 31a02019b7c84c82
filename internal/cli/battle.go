package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"duel-engine/internal/model"
)

func NewMeCommand(opts *RootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "me",
		Short: "Refresh presence so matchmaking can pick you",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().Touch(cmd.Context(), name)
			if err != nil {
				return err
			}
			return emit(cmd, opts, a, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s) seen at %s\n", a.ID, a.DisplayName, a.LastSeenAt.Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

type CreateOptions struct {
	*RootOptions
	Stake      string
	Percentage int
	Opponent   string
	Lat, Lng   float64
}

func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a battle",
		Example: `  battlectl create --stake energy --pct 50
  battlectl create --stake clues --pct 25 --opponent agent-b --lat 37.775 --lng -122.419`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.CreateBattleReq{
				StakeType:       model.StakeType(opts.Stake),
				StakePercentage: opts.Percentage,
			}
			if opts.Opponent != "" {
				req.OpponentID = &opts.Opponent
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				req.ArenaLat, req.ArenaLng = &opts.Lat, &opts.Lng
			}
			res, err := opts.client().CreateBattle(cmd.Context(), req)
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, res, func(w io.Writer) {
				fmt.Fprintf(w, "battle %s\n  arena: %s\n  stake: %d %s\n", res.BattleID, res.ArenaLabel, res.StakeAmount, req.StakeType)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Stake, "stake", string(model.StakeEnergy), "stake type (energy|credits|clues)")
	cmd.Flags().IntVar(&opts.Percentage, "pct", 25, "stake percentage (25|50|75)")
	cmd.Flags().StringVar(&opts.Opponent, "opponent", "", "challenge a specific agent")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "arena latitude")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "arena longitude")
	return cmd
}

func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <battle-id>",
		Short: "Show a battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.client().GetBattle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, b, func(w io.Writer) { printBattle(w, b) })
		},
	}
}

func NewAcceptCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <battle-id>",
		Short: "Accept a pending battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().AcceptBattle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "accepted %s, flash at %s\n", res.BattleID, fmtTime(res.FlashAt))
			})
		},
	}
}

func NewMatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <battle-id>",
		Short: "Bind a random opponent to your pending battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := opts.client().MatchBattle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, o, func(w io.Writer) {
				fmt.Fprintf(w, "matched against %s (%s)\n", o.DisplayName, o.ID)
			})
		},
	}
}

func NewRandomCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "random",
		Short: "Find a random eligible opponent",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := opts.client().RandomOpponent(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cmd, opts, o, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s)\n", o.DisplayName, o.ID)
			})
		},
	}
}

func NewCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <battle-id>",
		Short: "Withdraw your pending battle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().CancelBattle(cmd.Context(), args[0]); err != nil {
				return err
			}
			return emit(cmd, opts, map[string]bool{"success": true}, func(w io.Writer) {
				fmt.Fprintf(w, "cancelled %s\n", args[0])
			})
		},
	}
}

type TapOptions struct {
	*RootOptions
	PingMs int64
}

// NewTapCommand commits the caller's tap. The client instant is stamped at
// invocation and the tap goes out at once; measure ping beforehand with
// "battlectl ping" and pass it via --ping.
func NewTapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TapOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:     "tap <battle-id>",
		Short:   "Commit your reaction",
		Example: `  PING=$(battlectl ping --quiet) && battlectl tap <battle-id> --ping "$PING"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientAt := time.Now().UTC()
			if opts.PingMs < 0 {
				return NewExitError(ExitCommandError, "--ping must not be negative")
			}
			res, err := opts.client().Tap(cmd.Context(), args[0], model.TapReq{
				ClientTapAt: clientAt.Format(time.RFC3339Nano),
				PingMs:      opts.PingMs,
			})
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, res, func(w io.Writer) {
				fmt.Fprintf(w, "reaction %dms (ping %dms)", res.ReactionMs, opts.PingMs)
				if res.Resolved {
					fmt.Fprint(w, ", battle resolved")
				}
				fmt.Fprintln(w)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.PingMs, "ping", 0, "round trip in ms measured before the flash")
	return cmd
}

type PingOptions struct {
	*RootOptions
	Samples int
	Quiet   bool
}

// NewPingCommand samples the round trip against the server clock. Run it
// while waiting for the flash, never after.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PingOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to report with a tap",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			ping, err := opts.client().MeasurePing(ctx, opts.Samples)
			if err != nil {
				return err
			}
			return emit(cmd, opts.RootOptions, map[string]int64{"ping_ms": ping}, func(w io.Writer) {
				if opts.Quiet {
					fmt.Fprintln(w, ping)
					return
				}
				fmt.Fprintf(w, "ping %dms (median of %d)\n", ping, max(opts.Samples, 1))
			})
		},
	}
	cmd.Flags().IntVar(&opts.Samples, "samples", 5, "round trips to sample")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "print only the number")
	return cmd
}

func printBattle(w io.Writer, b *model.Battle) {
	fmt.Fprintf(w, "battle %s [%s]\n", b.ID, b.Status)
	fmt.Fprintf(w, "  arena:    %s\n", b.ArenaLabel)
	fmt.Fprintf(w, "  stake:    %d %s (%d%%)\n", b.StakeAmount, b.StakeType, b.StakePercentage)
	fmt.Fprintf(w, "  creator:  %s %s\n", b.CreatorID, fmtReaction(b.CreatorReactionMs))
	opp := "-"
	if b.OpponentID != nil {
		opp = *b.OpponentID
	}
	fmt.Fprintf(w, "  opponent: %s %s\n", opp, fmtReaction(b.OpponentReactionMs))
	fmt.Fprintf(w, "  flash at: %s\n", fmtTime(b.FlashAt))
	if b.WinnerID != nil {
		fmt.Fprintf(w, "  winner:   %s\n", *b.WinnerID)
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("15:04:05.000")
}

func fmtReaction(ms *int64) string {
	if ms == nil {
		return ""
	}
	return fmt.Sprintf("(%dms)", *ms)
}
