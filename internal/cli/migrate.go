package cli

import (
	"fmt"
	"io"

	"retail-hub/internal/app"

	"github.com/spf13/cobra"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the hub schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app.App) error {
				if err := a.Migrate(); err != nil {
					return WrapExitError(ExitFailure, "migration failed", err)
				}
				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
				return out.Print(true, map[string]string{"migrated": "ok"}, func(w io.Writer) {
					fmt.Fprintln(w, "schema is up to date")
				})
			})
		},
	}
}
