package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kerbaras/avatars/pkg/app/components"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/services"
)

var downloadCmd = &cobra.Command{
	Use:   "download [avatar-id...]",
	Short: "Download avatar bundles",
	Long:  "Queue the bundles of one or more avatars and wait for them to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		ctx := cmd.Context()
		ctrl, err := openController(ctx, true)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		var ids []string
		for _, itemID := range args {
			id, err := ctrl.DownloadItem(ctx, itemID, output)
			if err != nil {
				fmt.Printf("❌ %s: %v\n", itemID, err)
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return fmt.Errorf("nothing to download")
		}
		return waitForJobs(ctx, ctrl, ids)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url] [path]",
	Short: "Download a URL",
	Long:  "Download a raw URL through the download queue. Session cookies are only sent to the API host.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ctrl, err := openController(ctx, false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		if strings.HasPrefix(args[0], ctrl.Settings.API.BaseURL) {
			if _, err := ctrl.Restore(ctx); err != nil {
				return err
			}
		}

		dest, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		id, err := ctrl.Fetch(args[0], dest)
		if err != nil {
			return err
		}
		return waitForJobs(ctx, ctrl, []string{id})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished downloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctrl, err := openController(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		jobs, err := ctrl.History(limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No downloads yet.")
			return nil
		}

		columns := []table.Column{
			{Title: "When", Width: 16},
			{Title: "State", Width: 10},
			{Title: "Size", Width: 10},
			{Title: "Retries", Width: 7},
			{Title: "File", Width: 48},
		}
		rows := make([]table.Row, 0, len(jobs))
		for _, j := range jobs {
			state := string(j.State)
			if j.LastErrorKind != "" {
				state = j.LastErrorKind
			}
			rows = append(rows, table.Row{
				j.UpdatedAt.Local().Format("2006-01-02 15:04"),
				state,
				components.FormatBytes(j.BytesTransferred),
				fmt.Sprintf("%d", j.RetryCount),
				truncateString(j.Destination, 48),
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
		t.SetStyles(s)

		fmt.Println(t.View())
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("output", "o", "", "Directory to save bundles in (defaults to downloads.dir)")
	historyCmd.Flags().IntP("limit", "n", 20, "Entries to show")
}

// waitForJobs prints state changes until every job finishes and fails when
// any of them did not complete.
func waitForJobs(ctx context.Context, ctrl *services.Controller, ids []string) error {
	watched := make(map[string]bool, len(ids))
	for _, id := range ids {
		watched[id] = true
	}

	printer := make(chan struct{})
	go func() {
		defer close(printer)
		for ev := range ctrl.Downloads.Events() {
			if !watched[ev.Job.ID] || ev.Type == services.EventJobProgress {
				continue
			}
			name := filepath.Base(ev.Job.Destination)
			switch ev.Type {
			case services.EventJobStateChanged:
				fmt.Printf("  %s: %s\n", name, ev.Job.State)
			case services.EventJobFailed:
				fmt.Printf("❌ %s: %s (%s)\n", name, ev.Kind, ev.Job.LastError)
			case services.EventJobCompleted:
				fmt.Printf("✅ %s (%s)\n", name, components.FormatBytes(ev.Job.BytesTransferred))
			}
		}
	}()

	results := make([]data.DownloadJob, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			job, err := ctrl.Downloads.Wait(gctx, id)
			results[i] = job
			return err
		})
	}
	err := g.Wait()

	// closing drains the printer
	ctrl.Close()
	<-printer
	if err != nil {
		return err
	}

	failed := 0
	for _, j := range results {
		if j.State != data.JobCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}
