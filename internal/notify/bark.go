package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// barkMaxBody keeps pushes under the APNs payload limit.
const barkMaxBody = 1500

// Bark interruption levels.
const (
	BarkLevelActive        = "active"
	BarkLevelTimeSensitive = "timeSensitive"
)

// BarkNotifier pushes notifications to the Bark iOS app.
type BarkNotifier struct {
	baseURL string
	group   string
	level   string
	client  *http.Client
}

// NewBarkNotifier creates a Bark notifier for a device URL of the form
// https://api.day.app/<key>.
func NewBarkNotifier(baseURL, group string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	if group == "" {
		group = "hourwatch"
	}
	return &BarkNotifier{
		baseURL: baseURL,
		group:   group,
		level:   BarkLevelActive,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// WithLevel returns a copy of b pushing at the given interruption level.
func (b *BarkNotifier) WithLevel(level string) *BarkNotifier {
	c := *b
	c.level = level
	return &c
}

func (b *BarkNotifier) Name() string { return "bark" }

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	q := url.Values{}
	q.Set("title", title)
	q.Set("body", truncateRunes(body, barkMaxBody))
	q.Set("group", b.group)
	q.Set("level", b.level)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
