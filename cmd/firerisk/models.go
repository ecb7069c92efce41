package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/adapter/sqlite"
	"github.com/couchcryptid/fire-risk-service/internal/config"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List parameter versions stored in MODEL_STORE_PATH",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := sqlite.Open(cmd.Context(), cfg.ModelStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		versions, err := store.Versions(cmd.Context(), "")
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tEPOCH\tARCHITECTURE\tSAVED")
		for _, v := range versions {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", v.Version, v.Epoch, v.ArchID, v.SavedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}
