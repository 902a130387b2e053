package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/m3rciful/marketbot/core/database"
	"github.com/m3rciful/marketbot/market/config"
	"github.com/m3rciful/marketbot/market/export"
	"github.com/m3rciful/marketbot/market/listing"
	"github.com/m3rciful/marketbot/market/listing/sqlstore"
	"github.com/m3rciful/marketbot/market/wizard"
)

func newListingsCmd(configPath func() string) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "listings <user-id>",
		Short: "Show the most recent listings of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := config.LoadStorage(configPath())
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := sqlstore.New(db).ListListingsForUser(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				if items == nil {
					items = []listing.Listing{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if err := writeListings(cmd, items); err != nil {
				return err
			}
			if cfg.Export.Dir == "" {
				return nil
			}
			files, err := export.New(cfg.Export.Dir).ListForUser(userID, limit)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "export: %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", wizard.RecentListings, "number of listings to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print listings as JSON")
	return cmd
}

func writeListings(cmd *cobra.Command, items []listing.Listing) error {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "no listings")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tCATEGORY\tPRODUCT\tPRICE\tSTATUS")
	for _, l := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s / %s\t%s\t%s\t%s\n",
			l.ID,
			l.CreatedAt.UTC().Format("2006-01-02 15:04"),
			l.Category, l.Subcategory,
			l.ProductName,
			wizard.FormatPrice(l.Price),
			l.Status,
		)
	}
	return tw.Flush()
}
