// Package imagegen reaches the external background image service.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single generation request.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps the service response (images included).
const maxResponseBytes = 16 << 20

// ErrEmptyPrompt is returned when the prompt is blank.
var ErrEmptyPrompt = errors.New("prompt is required")

// Image is a generated background. Data is empty when the service produced
// only a description; callers fall back to a gradient in that case.
type Image struct {
	Data        []byte
	MIMEType    string
	Description string
}

// HasImage reports whether image bytes are present.
func (i Image) HasImage() bool { return len(i.Data) > 0 }

// Generator produces a background image from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Image, error)
}

// Client calls an HTTP image service with {"prompt": "..."} and expects
// {"image": "<base64>", "mimeType": "...", "description": "..."}.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a client for the service at url.
func NewClient(url string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		httpClient: httpClient,
		logger:     logger.With("component", "imagegen"),
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Image       string `json:"image"`
	MIMEType    string `json:"mimeType"`
	Description string `json:"description"`
}

// Generate requests an image for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Image{}, ErrEmptyPrompt
	}

	body, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return Image{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("image service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Image{}, fmt.Errorf("image service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Image{}, fmt.Errorf("decode response: %w", err)
	}

	img := Image{MIMEType: out.MIMEType, Description: out.Description}
	if out.Image != "" {
		data, err := base64.StdEncoding.DecodeString(out.Image)
		if err != nil {
			return Image{}, fmt.Errorf("decode image: %w", err)
		}
		img.Data = data
	}
	if img.MIMEType == "" && img.HasImage() {
		img.MIMEType = http.DetectContentType(img.Data)
	}

	c.logger.Info("Background generated",
		"has_image", img.HasImage(),
		"bytes", len(img.Data),
		"duration", time.Since(start))
	return img, nil
}

// Fallback never produces image bytes; the description echoes the prompt.
type Fallback struct{}

// Generate implements Generator.
func (Fallback) Generate(_ context.Context, prompt string) (Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Image{}, ErrEmptyPrompt
	}
	return Image{Description: prompt}, nil
}

// New returns a Client when url is set and a Fallback otherwise.
func New(url string, logger *slog.Logger) Generator {
	if strings.TrimSpace(url) == "" {
		return Fallback{}
	}
	return NewClient(url, nil, logger)
}
