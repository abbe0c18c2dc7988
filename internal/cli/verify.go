package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"retail-hub/internal/app"
	"retail-hub/internal/ledger"

	"github.com/spf13/cobra"
)

type VerifyOptions struct {
	Branch string
}

func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Check stock aggregates against the movement ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app.App) error {
				var scope *uint
				if opts.Branch != "" {
					branch, err := findBranch(ctx, a.DB, opts.Branch)
					if err != nil {
						return err
					}
					scope = &branch.ID
				}
				found, err := a.Ledger.Verify(ctx, scope)
				if err != nil {
					return WrapExitError(ExitFailure, "verification failed", err)
				}
				if found == nil {
					found = []ledger.Discrepancy{}
				}

				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
				if err := out.Print(len(found) == 0, found, func(w io.Writer) { printDiscrepancies(w, found) }); err != nil {
					return err
				}
				if len(found) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d discrepancies found", len(found)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Branch, "branch", "b", "", "branch code (default: all branches)")
	return cmd
}

func printDiscrepancies(w io.Writer, found []ledger.Discrepancy) {
	if len(found) == 0 {
		fmt.Fprintln(w, "ledger is consistent")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tPRODUCT\tAGGREGATE\tLEDGER\tORPHANED")
	for _, d := range found {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", d.BranchID, d.ProductID, ledger.FormatQty(d.Aggregate), ledger.FormatQty(d.Ledger), d.Orphaned)
	}
	_ = tw.Flush()
}
