package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/ranking"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/spf13/cobra"
)

func newSearchCommand() *cobra.Command {
	var collectionKey string
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Fuzzy-search records across collections",
		Args:  cobra.ExactArgs(1),
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
			return writeSearchResults(cmd.OutOrStdout(), bundles, args[0], collectionKey, app.resolver(), app.searchOptions())
		},
	}
	cmd.Flags().StringVar(&collectionKey, "collection", "", "Restrict the search to one collection key")
	return cmd
}

func writeSearchResults(out io.Writer, bundles []vault.Bundle, query, collectionKey string, resolver *identity.Resolver, options ranking.SearchOptions) error {
	names := make(map[string]string, len(bundles))
	var records []vault.Record
	for _, bundle := range bundles {
		if collectionKey != "" && bundle.Collection.Key != collectionKey {
			continue
		}
		names[bundle.Collection.Key] = bundle.Collection.Name
		records = append(records, bundle.Records...)
	}

	ranked := ranking.RankRecordsBySearch(records, query, options)
	if len(ranked) == 0 {
		_, err := fmt.Fprintf(out, "No records match %q.\n", query)
		return err
	}
	rows := make([][]string, 0, len(ranked))
	for _, entry := range ranked {
		primary, _ := resolver.PrimaryIdentifier(entry.Item.Fields)
		rows = append(rows, []string{
			strconv.FormatFloat(entry.Score, 'f', 3, 64),
			names[entry.Item.CollectionKey],
			entry.Item.Name(),
			primary.Value,
		})
	}
	_, err := fmt.Fprintln(out, renderTable(
		[]string{"Score", "Collection", "Name", "Identifier"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
	))
	return err
}

func newLinksCommand() *cobra.Command {
	var pinCollection, pinRecord string
	cmd := &cobra.Command{
		Use:   "links IDENTIFIER",
		Short: "List every account that shares an identifier",
		Args:  cobra.ExactArgs(1),
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
			accounts := app.resolver().FindConnectedAccounts(bundles, args[0], identity.Pin{
				CollectionKey: pinCollection,
				RecordID:      pinRecord,
			})
			return writeConnectedAccounts(cmd.OutOrStdout(), accounts, args[0])
		},
	}
	cmd.Flags().StringVar(&pinCollection, "pin", "", "Collection key to list first")
	cmd.Flags().StringVar(&pinRecord, "pin-record", "", "Record id to list first inside the pinned collection")
	return cmd
}

func writeConnectedAccounts(out io.Writer, accounts identity.ConnectedAccounts, identifier string) error {
	if accounts.TotalRecords == 0 {
		_, err := fmt.Fprintf(out, "No accounts use %q.\n", identifier)
		return err
	}
	rows := make([][]string, 0, accounts.TotalRecords)
	for _, collection := range accounts.Collections {
		for _, record := range collection.Records {
			rows = append(rows, []string{collection.Name, record.Name(), record.ID})
		}
	}
	if _, err := fmt.Fprintf(out, "%s: %d accounts in %d collections\n",
		accounts.Identifier, accounts.TotalRecords, accounts.TotalCollections); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, renderTable(
		[]string{"Collection", "Name", "Record"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft},
	))
	return err
}

func newCollectionsCommand() *cobra.Command {
	var sortOption string
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			option, err := ranking.ParseSortOption(sortOption)
			if err != nil {
				return err
			}
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			collections, err := app.store.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			sorted, err := ranking.SortCollections(collections, option)
			if err != nil {
				return err
			}
			return writeCollections(cmd.OutOrStdout(), sorted)
		},
	}
	cmd.Flags().StringVar(&sortOption, "sort", string(ranking.SortNameAsc), "Sort option (name_asc, name_desc, created_asc, created_desc, modified_asc, modified_desc, count_asc, count_desc)")
	return cmd
}

func writeCollections(out io.Writer, collections []vault.Collection) error {
	rows := make([][]string, 0, len(collections))
	for _, collection := range collections {
		rows = append(rows, []string{
			collection.Name,
			collection.Key,
			strconv.Itoa(collection.RecordCount),
			collection.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	_, err := fmt.Fprintln(out, renderTable(
		[]string{"Name", "Key", "Records", "Modified"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	return err
}
