package cli

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"replistock/internal/service"
)

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <csv-file>",
		Short: "Merge a spreadsheet export into the item catalogue",
		Long: `Merge the rows of a CSV file into the item collection of the configured
store. Rows are matched by SKU. The result is announced to other replicas on
the local broadcast medium.

The replica must not be running: file-backed stores are opened exclusively.

Example:
  replistock import --config replica.toml stock.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, rootOpts, args[0])
		},
	}
}

func runImport(cmd *cobra.Command, opts *RootOptions, path string) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open csv")
	}
	defer f.Close()

	rows, err := service.ReadImportCSV(f)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.service.ImportItems(ctx, rows)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, skipped %d\n", result.Created, result.Updated, result.Skipped)
	return nil
}
