// Command ledger-report prints the persisted ledger as a table and can
// render the category chart to a PNG file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"genspese/internal/chart"
	"genspese/internal/cli"
	"genspese/internal/config"
	"genspese/internal/core"
	"genspese/internal/ledger"
	applog "genspese/internal/log"
)

var (
	dbPath    = flag.String("db", "", "Path to the SQLite ledger (default: SQLITE_DB_PATH)")
	pngPath   = flag.String("png", "", "Write the category chart to this PNG file")
	chartKind = flag.String("kind", "pie", "Chart type: pie, bar")
	detailed  = flag.Bool("expenses", false, "List every expense instead of per-category totals")
)

func main() {
	flag.Parse()
	cli.LoadEnvFile()

	cfg := config.Load()
	logger := cli.SetupLogger(cfg.SlogLevel(), applog.ComponentApp)

	path := *dbPath
	if path == "" {
		path = cfg.SQLiteDBPath
	}
	repo := cli.InitSQLite(logger.Slog(), path)
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	categories, expenses, err := repo.Load(ctx)
	if err != nil {
		logger.Error("Failed to load ledger", "error", err, "path", path)
		os.Exit(1)
	}

	l := ledger.New()
	l.Restore(categories, expenses)
	snap := l.Snapshot()

	if *detailed {
		writeExpenseTable(os.Stdout, snap)
	} else {
		writeSummaryTable(os.Stdout, snap)
	}

	if *pngPath != "" {
		if err := writeChart(*pngPath, *chartKind, snap); err != nil {
			logger.Error("Failed to write chart", "error", err, "path", *pngPath)
			os.Exit(1)
		}
		fmt.Printf("Chart saved to: %s\n", *pngPath)
	}
}

// writeSummaryTable prints one row per category. Orphaned expenses get a
// row of their own so the footer total adds up.
func writeSummaryTable(w io.Writer, snap core.LedgerSnapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Category", "Color", "Expenses", "Total"})
	for _, cs := range snap.Categories {
		table.Append([]string{
			cs.Category.Name,
			cs.Category.Color.Hex(),
			fmt.Sprintf("%d", len(cs.Expenses)),
			cs.Total.StringFixed(2),
		})
	}
	if len(snap.Orphans) > 0 {
		orphanTotal := decimal.Zero
		for _, e := range snap.Orphans {
			orphanTotal = orphanTotal.Add(e.Amount)
		}
		table.Append([]string{"(unknown)", "", fmt.Sprintf("%d", len(snap.Orphans)), orphanTotal.StringFixed(2)})
	}
	table.SetFooter([]string{"", "", fmt.Sprintf("%d", snap.ExpenseCount()), snap.Total.StringFixed(2)})
	table.Render()
}

func writeExpenseTable(w io.Writer, snap core.LedgerSnapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Date", "Category", "Title", "Amount"})
	add := func(category string, expenses []core.Expense) {
		for _, e := range expenses {
			table.Append([]string{
				e.ID,
				e.Date.Format("2006-01-02 15:04"),
				category,
				e.Title,
				e.Amount.StringFixed(2),
			})
		}
	}
	for _, cs := range snap.Categories {
		add(cs.Category.Name, cs.Expenses)
	}
	add("(unknown)", snap.Orphans)
	table.SetFooter([]string{"", "", "", "Total", snap.Total.StringFixed(2)})
	table.Render()
}

func writeChart(path, kind string, snap core.LedgerSnapshot) error {
	k, err := chart.ParseKind(kind)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := chart.RenderPNG(f, chart.FromSnapshot(snap), chart.Options{Kind: k, Title: "Expenses by category"}); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
