// Package google mirrors ledger expenses into a Google Sheets tab.
//
// Layout of the mirror tab: row 1 is a header, each following row is one
// expense with columns A=ID, B=Date, C=Title, D=Amount, E=Category,
// F=Category ID. Column A is the idempotency key.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"genspese/internal/cache"
	ports "genspese/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const (
	DefaultSheetName = "Ledger"
	dateLayout       = time.RFC3339
	rowCacheSize     = 4096
	rowCacheTTL      = 10 * time.Minute
)

var header = []any{"ID", "Date", "Title", "Amount", "Category", "Category ID"}

// Config holds what is needed to reach the spreadsheet.
type Config struct {
	SpreadsheetID      string
	SheetName          string
	ServiceAccountJSON string
	ServiceAccountFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger

	// expense id -> 1-based row number, dropped whenever rows shift
	rows *cache.LRUCache[int]

	mu      sync.Mutex
	sheetID *int64
}

var _ ports.Mirror = (*Client)(nil)

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	svc, err := newSheetsService(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID, cfg.SheetName, logger), nil
}

// NewWithService wraps an existing service. Used by tests pointing the
// service at a local endpoint.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		sheetName = DefaultSheetName
	}
	return &Client{
		svc:           svc,
		spreadsheetID: strings.TrimSpace(spreadsheetID),
		sheetName:     sheetName,
		logger:        logger.With("component", "sheets"),
		rows:          cache.NewLRUCache[int](rowCacheSize, rowCacheTTL),
	}
}

// RowCache exposes the row index cache so a cache.Manager can expire it.
func (c *Client) RowCache() cache.Cleaner {
	return c.rows
}

// InvalidateRowCache forgets every known row position.
func (c *Client) InvalidateRowCache() {
	c.rows.Clear()
}

func newSheetsService(ctx context.Context, cfg Config, logger *slog.Logger) (*gsheet.Service, error) {
	jsonCreds := strings.TrimSpace(cfg.ServiceAccountJSON)
	file := strings.TrimSpace(cfg.ServiceAccountFile)
	if jsonCreds == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentials []byte
	switch {
	case jsonCreds != "":
		credentials = []byte(jsonCreds)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentials = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	if logger != nil {
		logger.InfoContext(ctx, "Creating Google Sheets service",
			"credentials_size", len(credentials),
			"scope", gsheet.SpreadsheetsScope)
	}
	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentials),
		goption.WithScopes(gsheet.SpreadsheetsScope),
		goption.WithHTTPClient(newHTTPClientWithPooling()))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return svc, nil
}

func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}

// Append writes the row after the last used one. A row whose expense id is
// already present is left alone and its reference returned.
func (c *Client) Append(ctx context.Context, r ports.Row) (string, error) {
	if r.ExpenseID == "" {
		return "", errors.New("row without expense id")
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if n, ok := c.rows.Get(r.ExpenseID); ok {
		return c.rowRef(n), nil
	}

	ids, err := c.readIDs(ctx)
	if err != nil {
		return "", err
	}
	if n := findRow(ids, r.ExpenseID); n > 0 {
		c.rows.Set(r.ExpenseID, n)
		return c.rowRef(n), nil
	}

	if len(ids) == 0 {
		if err := c.writeRow(ctx, 1, header); err != nil {
			return "", fmt.Errorf("write header: %w", err)
		}
		ids = []string{"ID"}
	}
	next := len(ids) + 1
	values := []any{
		r.ExpenseID,
		r.Date.UTC().Format(dateLayout),
		r.Title,
		r.Amount.StringFixed(2),
		r.CategoryName,
		r.CategoryID,
	}
	if err := c.writeRow(ctx, next, values); err != nil {
		return "", err
	}
	c.rows.Set(r.ExpenseID, next)
	c.logger.DebugContext(ctx, "Appended expense row", "expense_id", r.ExpenseID, "row", next)
	return c.rowRef(next), nil
}

// DeleteExpense removes the row holding expenseID. Absent ids are ignored.
func (c *Client) DeleteExpense(ctx context.Context, expenseID string) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	ids, err := c.readIDs(ctx)
	if err != nil {
		return err
	}
	n := findRow(ids, expenseID)
	if n <= 0 {
		c.rows.Delete(expenseID)
		return nil
	}
	sheetID, err := c.lookupSheetID(ctx)
	if err != nil {
		return err
	}
	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			DeleteDimension: &gsheet.DeleteDimensionRequest{
				Range: &gsheet.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(n - 1),
					EndIndex:   int64(n),
				},
			},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete row %d in sheet %s: %w", n, c.sheetName, err)
	}
	// rows below the deleted one moved up
	c.InvalidateRowCache()
	c.logger.DebugContext(ctx, "Deleted expense row", "expense_id", expenseID, "row", n)
	return nil
}

// ListRows reads every expense row below the header.
func (c *Client) ListRows(ctx context.Context) ([]ports.Row, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A2:F", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).
		ValueRenderOption("UNFORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return parseRows(resp.Values)
}

func (c *Client) readIDs(ctx context.Context) ([]string, error) {
	rng := fmt.Sprintf("%s!A:A", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read ids from %s: %w", c.sheetName, err)
	}
	ids := make([]string, len(resp.Values))
	for i, row := range resp.Values {
		if len(row) > 0 {
			ids[i] = strings.TrimSpace(fmt.Sprint(row[0]))
		}
	}
	return ids, nil
}

func (c *Client) writeRow(ctx context.Context, n int, values []any) error {
	rng := fmt.Sprintf("%s!A%d:F%d", c.sheetName, n, n)
	vr := &gsheet.ValueRange{Values: [][]any{values}}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", rng, err)
	}
	return nil
}

func (c *Client) lookupSheetID(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sheetID != nil {
		return *c.sheetID, nil
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("read spreadsheet metadata: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == c.sheetName {
			id := sh.Properties.SheetId
			c.sheetID = &id
			return id, nil
		}
	}
	return 0, fmt.Errorf("sheet %q not found", c.sheetName)
}

func (c *Client) rowRef(n int) string {
	return fmt.Sprintf("%s!A%d:F%d", c.sheetName, n, n)
}

// findRow returns the 1-based row of id, skipping the header, or 0.
func findRow(ids []string, id string) int {
	for i := 1; i < len(ids); i++ {
		if ids[i] == id {
			return i + 1
		}
	}
	return 0
}
