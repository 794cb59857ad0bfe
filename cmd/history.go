package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"streamq/internal/cli"
	"streamq/internal/history"
	"streamq/internal/runner"
	"streamq/internal/tui/styles"
)

var historyDB string

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List past runs, or show one of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := historyDB
		if path == "" {
			var err error
			if path, err = history.DefaultPath(); err != nil {
				return err
			}
		}
		store, err := history.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			item, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s  %s\n", item.ID, item.Kind, item.Name, item.Host)
			cli.PrintSummary(os.Stdout, runner.StatsSnapshot{
				Elapsed:  item.Duration,
				Requests: item.Summary.TotalRequests,
				Fail:     item.Summary.Fail,
				Entries:  item.Entries,
				Done:     true,
			})
			return nil
		}

		items, err := store.List()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println(styles.Subtle.Render("No runs yet."))
			return nil
		}
		fmt.Println(historyTable(items))
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyDB, "db", "", "History database (default is $HOME/.streamq/history.db)")
}

func historyTable(items []history.Item) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		errRate := 0.0
		if it.Summary.TotalRequests > 0 {
			errRate = float64(it.Summary.Fail) / float64(it.Summary.TotalRequests) * 100
		}
		rows = append(rows, []string{
			it.ID,
			it.Timestamp.Format(time.DateTime),
			it.Kind,
			it.Name,
			strconv.Itoa(it.Summary.MaxUsers),
			strconv.FormatUint(it.Summary.TotalRequests, 10),
			fmt.Sprintf("%.2f%%", errRate),
			it.Duration.Round(time.Second).String(),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.Subtle).
		Headers("ID", "STARTED", "KIND", "NAME", "USERS", "EVENTS", "ERR", "TIME").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Render()
}
