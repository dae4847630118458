package main

import (
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/transfer"
	"github.com/spf13/cobra"
)

func newExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every collection in the transfer format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			bundles, err := app.store.Bundles(cmd.Context())
			if err != nil {
				return err
			}
			document := transfer.Serialize(bundles)
			if outPath == "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), document)
				return err
			}
			return os.WriteFile(outPath, []byte(document), 0o600)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Write to this file instead of stdout")
	return cmd
}
