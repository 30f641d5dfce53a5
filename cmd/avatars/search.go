package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/services"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search avatars",
	Long:  "Search VRChat avatar listings and display results in a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		filterFlag, _ := cmd.Flags().GetString("filter")
		pages, _ := cmd.Flags().GetInt("pages")

		filter, err := data.ParseFilter(filterFlag)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		ctrl, err := openController(ctx, true)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		var results []data.ItemRecord
		pager := ctrl.Catalog.Pages(filter, query)
		for n := 0; pages <= 0 || n < pages; n++ {
			page, err := pager.Next(ctx)
			if errors.Is(err, services.ErrPagerDone) {
				break
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			results = append(results, page.Items...)
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		var (
			purple = lipgloss.Color("99")

			headerStyle = lipgloss.NewStyle().Foreground(purple).Bold(true).Align(lipgloss.Center)
			cellStyle   = lipgloss.NewStyle().Padding(0, 1)
		)

		t := table.New().
			Border(lipgloss.HiddenBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(purple)).
			StyleFunc(func(row, col int) lipgloss.Style {
				switch {
				case row == table.HeaderRow:
					return headerStyle
				default:
					return cellStyle
				}
			}).
			Headers("#", "Name", "Author", "Release", "ID")

		for i, item := range results {
			name := truncateString(item.Name, 40)
			if item.AssetURL == "" {
				name += " *"
			}
			t.Row(fmt.Sprintf("%d", i+1), name, truncateString(item.AuthorName, 20), item.ReleaseStatus, item.ID)
		}

		fmt.Println(t)
		if !pager.Done() {
			fmt.Println("More results available, use --pages to read further.")
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringP("filter", "f", string(data.FilterOwned), "Listing to search (owned, public, favorited, all)")
	searchCmd.Flags().IntP("pages", "p", 1, "Pages to read, 0 for all")
}
