package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"retail-hub/internal/app"
	"retail-hub/internal/models"
	"retail-hub/internal/syncer"

	"github.com/spf13/cobra"
)

type PushOptions struct {
	Type   string
	Branch string
	Since  string
	Full   bool
}

func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push catalog changes to branches",
		Long: `Push changed products or prices to one branch, or to every active branch
with an endpoint. Without --since or --full only rows changed after the
branch's last completed push of the same type are sent.`,
		Example: `  hubctl push --type products
  hubctl push --type pricing --branch B1 --full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "sync type (products|pricing)")
	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch code (default: all active branches)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only rows changed after this RFC3339 time")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "send the whole catalog")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runPush(cmd *cobra.Command, rootOpts *RootOptions, opts *PushOptions) error {
	t := models.SyncType(opts.Type)
	if t != models.SyncProducts && t != models.SyncPricing {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid type %q: must be products or pricing", opts.Type))
	}
	var since *time.Time
	if opts.Since != "" {
		parsed, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		since = &parsed
	}

	ctx := cmd.Context()
	return withApp(ctx, rootOpts, func(a *app.App) error {
		var results []syncer.PushResult
		if opts.Branch != "" {
			branch, err := findBranch(ctx, a.DB, opts.Branch)
			if err != nil {
				return err
			}
			// a failed delivery still returns its result
			res, err := a.Orchestrator.Push(ctx, syncer.PushInput{BranchID: branch.ID, Type: t, Since: since, Full: opts.Full})
			if res == nil {
				return WrapExitError(ExitFailure, "push failed", err)
			}
			if err != nil {
				res.Error = err.Error()
			}
			results = append(results, *res)
		} else {
			var err error
			results, err = a.Orchestrator.PushAll(ctx, t, since, opts.Full)
			if err != nil {
				return WrapExitError(ExitFailure, "push failed", err)
			}
		}

		failed := syncer.Failed(results)
		out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
		if err := out.Print(!failed, results, func(w io.Writer) { printPushResults(w, results) }); err != nil {
			return err
		}
		if failed {
			return NewExitError(ExitFailure, "one or more branches failed")
		}
		return nil
	})
}

func printPushResults(w io.Writer, results []syncer.PushResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no branch to push to")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tSTATUS\tRECORDS\tSYNC ID\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.BranchCode, r.Status, r.Records, r.SyncID, r.Error)
	}
	_ = tw.Flush()
}
