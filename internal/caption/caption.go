// Package caption produces a short natural-language description of an image.
package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"image_ingest/internal/models"
)

type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
	Enabled() bool
}

// New returns an HTTP captioner when cfg.Enabled, otherwise Disabled.
func New(cfg models.CaptionConfig) Captioner {
	if !cfg.Enabled {
		return Disabled{}
	}
	return NewHTTPCaptioner(cfg.Endpoint, cfg.APIKey, cfg.Timeout)
}

var ErrDisabled = errors.New("captioning disabled")

type Disabled struct{}

func (Disabled) Caption(context.Context, []byte) (string, error) { return "", ErrDisabled }

func (Disabled) Enabled() bool { return false }

// HTTPCaptioner posts raw image bytes to an image-to-text inference endpoint.
// It understands the Hugging Face response shape [{"generated_text": "..."}]
// as well as {"caption": "..."}.
type HTTPCaptioner struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPCaptioner(endpoint, apiKey string, timeout time.Duration) *HTTPCaptioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaptioner{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCaptioner) Enabled() bool { return true }

func (c *HTTPCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	const op = "caption.HTTPCaptioner.Caption"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	text, err := parseCaption(body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return text, nil
}

type generated struct {
	GeneratedText string `json:"generated_text"`
	Caption       string `json:"caption"`
}

func (g generated) text() string {
	if g.GeneratedText != "" {
		return g.GeneratedText
	}
	return g.Caption
}

func parseCaption(body []byte) (string, error) {
	body = bytes.TrimSpace(body)

	var text string
	if len(body) > 0 && body[0] == '[' {
		var list []generated
		if err := json.Unmarshal(body, &list); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if len(list) > 0 {
			text = list[0].text()
		}
	} else {
		var single generated
		if err := json.Unmarshal(body, &single); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		text = single.text()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty caption in response")
	}
	return text, nil
}
