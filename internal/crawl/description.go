package crawl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const descriptionByteLimit = 2 * 1024 * 1024

// DescriptionReader extracts readable body text from event detail pages.
type DescriptionReader struct {
	client    *http.Client
	userAgent string
}

func NewDescriptionReader(timeout time.Duration) *DescriptionReader {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &DescriptionReader{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}
}

// FetchDescription downloads a detail page and extracts its readable text.
func (r *DescriptionReader) FetchDescription(ctx context.Context, pageURL, title string) (string, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return "", fmt.Errorf("page url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch detail page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch detail page: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, descriptionByteLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render text: %w", err)
	}

	text := cleanText(rendered.String())
	if text == "" {
		text = cleanText(article.Excerpt())
	}
	if text == "" {
		return "", fmt.Errorf("no readable content on %s", pageURL)
	}
	// Guard against pages whose whole body is just the title again.
	if strings.EqualFold(text, strings.TrimSpace(title)) {
		return "", fmt.Errorf("detail page adds nothing beyond the title")
	}
	return text, nil
}

func cleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}
	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}
