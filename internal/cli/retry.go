package cli

import (
	"fmt"
	"io"

	"retail-hub/internal/app"

	"github.com/spf13/cobra"
)

type RetryOptions struct {
	Branch string
	Limit  int
}

func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{}

	cmd := &cobra.Command{
		Use:     "retry-failed",
		Short:   "Re-ingest failed transactions of a branch",
		Example: `  hubctl retry-failed --branch B1 --limit 100`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app.App) error {
				branch, err := findBranch(ctx, a.DB, opts.Branch)
				if err != nil {
					return err
				}
				res, err := a.Orchestrator.RetryFailed(ctx, branch.ID, opts.Limit)
				if err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}

				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
				if err := out.Print(res.Failed == 0, res, func(w io.Writer) {
					fmt.Fprintf(w, "sync %s: %d selected, %d succeeded, %d failed\n", res.SyncID, res.Selected, res.Succeeded, res.Failed)
					for _, item := range res.Results {
						if item.Error != nil {
							fmt.Fprintf(w, "  %s: %s\n", item.IdempotencyKey, item.Error.Message)
						}
					}
				}); err != nil {
					return err
				}
				if res.Failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d transactions still failing", res.Failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch code")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum rows to retry (default: configured limit)")
	_ = cmd.MarkFlagRequired("branch")

	return cmd
}
