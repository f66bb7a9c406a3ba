// Package tools relays the agent's JSON tool calls into the ledger.
//
// Arguments are decoded into typed requests and validated here. Problems the
// agent can act on (missing arguments, unavailable dependencies) come back as
// ErrorResponse values; Go errors are reserved for unknown tool names.
package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"genspese/internal/core"
	"genspese/internal/imagegen"
	applog "genspese/internal/log"
	"genspese/internal/surface"
)

var (
	// ErrUnknownTool is returned by Call for names it does not serve.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrLedgerUnavailable is reported when no ledger is attached.
	ErrLedgerUnavailable = errors.New("ledger not available")
	// ErrImagesUnavailable is reported when no image generator is attached.
	ErrImagesUnavailable = errors.New("image generation not available")
)

// Ledger is the subset of the expense ledger the tools drive.
type Ledger interface {
	AddCategory(name, color string) core.Category
	UpdateCategoryColor(categoryID, color string)
	FindCategoryByName(name string) (core.Category, bool)
	Category(id string) (core.Category, bool)
	AddExpense(title string, amount decimal.Decimal, categoryID string) core.Expense
	RemoveExpense(id string) bool
	Snapshot() core.LedgerSnapshot
	Total() decimal.Decimal
}

// BackgroundSurface receives generated backgrounds.
type BackgroundSurface interface {
	Set(slot surface.Slot, content json.RawMessage) error
}

type handlerFunc func(ctx context.Context, args json.RawMessage) any

// Adapter dispatches tool calls by name.
type Adapter struct {
	ledger   Ledger
	images   imagegen.Generator
	surfaces BackgroundSurface
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSurfaces publishes generated backgrounds into the background slot.
func WithSurfaces(s BackgroundSurface) Option {
	return func(a *Adapter) { a.surfaces = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter builds an adapter. Either dependency may be nil; the affected
// tools then answer with an ErrorResponse.
func NewAdapter(ledger Ledger, images imagegen.Generator, opts ...Option) *Adapter {
	a := &Adapter{
		ledger: ledger,
		images: images,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(applog.FieldComponent, applog.ComponentTools)
	a.handlers = map[string]handlerFunc{
		AddCategory:         a.addCategory,
		UpdateCategoryColor: a.updateCategoryColor,
		AddExpense:          a.addExpense,
		GetAllExpenses:      a.getAllExpenses,
		FindCategoryByName:  a.findCategoryByName,
		GenerateBackground:  a.generateBackground,
		RemoveExpense:       a.removeExpense,
	}
	return a
}

// Names returns the served tool names, sorted.
func (a *Adapter) Names() []string {
	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the named tool with JSON arguments.
func (a *Adapter) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := a.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	resp := h(ctx, args)
	if er, isErr := resp.(ErrorResponse); isErr {
		a.logger.Warn("Tool call rejected", "tool", name, "error", er.Error)
	} else {
		a.logger.Debug("Tool call served", "tool", name)
	}
	return resp, nil
}

// decodeArgs decodes args into dst. Empty args decode as {}.
func decodeArgs(args json.RawMessage, dst any) error {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (a *Adapter) addCategory(_ context.Context, args json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	var req AddCategoryRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	if strings.TrimSpace(req.Name) == "" {
		return errorResponse("name is required")
	}
	c := a.ledger.AddCategory(req.Name, req.Color)
	return AddCategoryResponse{Success: true, CategoryID: c.ID, CategoryName: c.Name}
}

func (a *Adapter) updateCategoryColor(_ context.Context, args json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	var req UpdateCategoryColorRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	if req.CategoryID == "" {
		return errorResponse("categoryId is required")
	}
	a.ledger.UpdateCategoryColor(req.CategoryID, req.Color)
	return UpdateCategoryColorResponse{
		Success:    true,
		CategoryID: req.CategoryID,
		NewColor:   core.ResolveColor(req.Color).Hex(),
	}
}

func (a *Adapter) addExpense(_ context.Context, args json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	var req AddExpenseRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	switch {
	case strings.TrimSpace(req.Title) == "":
		return errorResponse("title is required")
	case !req.Amount.set:
		return errorResponse("amount is required")
	case req.CategoryID == "":
		return errorResponse("categoryId is required")
	}
	e := a.ledger.AddExpense(req.Title, req.Amount.Decimal, req.CategoryID)
	snap := a.ledger.Snapshot()
	return AddExpenseResponse{
		Success:       true,
		ExpenseID:     e.ID,
		AllCategories: categoryViews(snap),
		Total:         core.AmountFloat(snap.Total),
	}
}

func (a *Adapter) getAllExpenses(_ context.Context, _ json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	snap := a.ledger.Snapshot()
	return GetAllExpensesResponse{
		Categories: categoryViews(snap),
		Total:      core.AmountFloat(snap.Total),
	}
}

func (a *Adapter) findCategoryByName(_ context.Context, args json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	var req FindCategoryByNameRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	if strings.TrimSpace(req.Name) == "" {
		return errorResponse("name is required")
	}
	c, ok := a.ledger.FindCategoryByName(req.Name)
	if !ok {
		return FindCategoryByNameResponse{Found: false}
	}
	return FindCategoryByNameResponse{
		Found:        true,
		CategoryID:   c.ID,
		CategoryName: c.Name,
		Color:        c.Color.Hex(),
	}
}

func (a *Adapter) removeExpense(_ context.Context, args json.RawMessage) any {
	if a.ledger == nil {
		return ErrorResponse{Error: ErrLedgerUnavailable.Error()}
	}
	var req RemoveExpenseRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	if req.ExpenseID == "" {
		return errorResponse("expenseId is required")
	}
	removed := a.ledger.RemoveExpense(req.ExpenseID)
	return RemoveExpenseResponse{
		Success:   true,
		ExpenseID: req.ExpenseID,
		Removed:   removed,
		Total:     core.AmountFloat(a.ledger.Total()),
	}
}

// backgroundContent is what lands in the background slot. Without image
// bytes the renderer draws a gradient.
type backgroundContent struct {
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
	Gradient    bool   `json:"gradient,omitempty"`
}

func (a *Adapter) generateBackground(ctx context.Context, args json.RawMessage) any {
	if a.images == nil {
		return ErrorResponse{Error: ErrImagesUnavailable.Error()}
	}
	var req GenerateBackgroundRequest
	if err := decodeArgs(args, &req); err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return errorResponse("prompt is required")
	}

	img, err := a.images.Generate(ctx, req.Prompt)
	if err != nil {
		a.logger.Warn("Background generation failed, using gradient", "error", err)
		img = imagegen.Image{Description: strings.TrimSpace(req.Prompt)}
	}

	if a.surfaces != nil {
		content := backgroundContent{Description: img.Description, Gradient: !img.HasImage()}
		if img.HasImage() {
			content.Image = "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		}
		if raw, err := json.Marshal(content); err == nil {
			if err := a.surfaces.Set(surface.Background, raw); err != nil {
				a.logger.Warn("Failed to publish background", "error", err)
			}
		}
	}

	return GenerateBackgroundResponse{
		Success:     true,
		HasImage:    img.HasImage(),
		Description: img.Description,
	}
}
