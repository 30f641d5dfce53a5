package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kerbaras/avatars/pkg/data"
)

var libraryCmd = &cobra.Command{
	Use:   "library [query]",
	Short: "List avatars seen in earlier listings",
	Long:  "Display the avatars stored from earlier listings without contacting VRChat",
	RunE: func(cmd *cobra.Command, args []string) error {
		filterFlag, _ := cmd.Flags().GetString("filter")
		filter, err := data.ParseFilter(filterFlag)
		if err != nil {
			return err
		}

		ctrl, err := openController(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		items, err := ctrl.Catalog.Library(filter, strings.Join(args, " "))
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("📚 No avatars stored yet. Use 'avatars search' to list yours.")
			return nil
		}

		columns := []table.Column{
			{Title: "Name", Width: 36},
			{Title: "Author", Width: 20},
			{Title: "Listed as", Width: 18},
			{Title: "Platforms", Width: 24},
			{Title: "ID", Width: 42},
		}

		rows := make([]table.Row, 0, len(items))
		for _, item := range items {
			rows = append(rows, table.Row{
				truncateString(item.Name, 36),
				truncateString(item.AuthorName, 20),
				item.Visibility.String(),
				truncateString(strings.Join(item.Platforms, ","), 24),
				item.ID,
			})
		}

		t := table.New(
			table.WithColumns(columns),
			table.WithRows(rows),
			table.WithFocused(false),
			table.WithHeight(len(rows)),
		)

		s := table.DefaultStyles()
		s.Header = s.Header.
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			BorderBottom(true).
			Bold(true)
		s.Selected = s.Selected.
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")).
			Bold(false)
		t.SetStyles(s)

		fmt.Printf("\n📚 Library (%d avatars)\n\n", len(items))
		fmt.Println(t.View())
		return nil
	},
}

func init() {
	libraryCmd.Flags().StringP("filter", "f", string(data.FilterAll), "Listing to show (owned, public, favorited, all)")
}
