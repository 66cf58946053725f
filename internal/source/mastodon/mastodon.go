// Package mastodon fetches trending hashtags from a Mastodon-compatible
// trends API, paging with an offset cursor.
package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tagpipe/hashtag-importer/internal/importer"
	"github.com/tagpipe/hashtag-importer/internal/ratelimit"
)

const defaultTimeout = 30 * time.Second

// Config holds source configuration.
type Config struct {
	// BaseURL is the instance root, e.g. https://mastodon.social.
	BaseURL string
	// AccessToken is an optional bearer token.
	AccessToken string
	// UserAgent is sent on every request.
	UserAgent string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// Source implements importer.Source against the /api/v1/trends/tags
// endpoint. The cursor token is the numeric offset of the next page.
type Source struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	archive importer.Archiver
	logger  *zap.Logger
}

// tag mirrors the trends/tags response shape. History is ordered
// newest day first; the first entry carries today's use count.
type tag struct {
	Name    string `json:"name"`
	History []struct {
		Day      string `json:"day"`
		Uses     string `json:"uses"`
		Accounts string `json:"accounts"`
	} `json:"history"`
}

// New creates a trends source. The limiter and archiver may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, archive importer.Archiver, logger *zap.Logger) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mastodon source: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("mastodon source: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hashtag-importer/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		archive: archive,
		logger:  logger,
	}, nil
}

// Fetch retrieves one page of trending tags at the cursor's offset.
func (s *Source) Fetch(ctx context.Context, cursor importer.Cursor, limit int) (importer.FetchResult, error) {
	offset, err := offsetFromCursor(cursor)
	if err != nil {
		return importer.FetchResult{}, importer.Fatalf("mastodon source: %v", err)
	}

	reqURL := fmt.Sprintf("%s/api/v1/trends/tags?limit=%d&offset=%d", s.cfg.BaseURL, limit, offset)
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, reqURL); err != nil {
			return importer.FetchResult{}, importer.Transientf("mastodon source: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return importer.FetchResult{}, importer.Fatalf("mastodon source: build request: %v", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if s.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return importer.FetchResult{}, importer.Transientf("mastodon source: request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return importer.FetchResult{}, importer.Transientf("mastodon source: read body: %v", err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return importer.FetchResult{}, err
	}

	if s.archive != nil {
		key := fmt.Sprintf("trends/offset-%d", offset)
		if _, aerr := s.archive.Archive(ctx, key, "application/json", body); aerr != nil {
			s.logger.Warn("archive raw page failed", zap.Error(aerr))
		}
	}

	var tags []tag
	if err := json.Unmarshal(body, &tags); err != nil {
		return importer.FetchResult{}, importer.Fatalf("mastodon source: decode response: %v", err)
	}

	records := make([]importer.RawRecord, 0, len(tags))
	for _, t := range tags {
		records = append(records, importer.RawRecord{
			Tag:        t.Name,
			Metric:     latestUses(t),
			ObservedAt: time.Time{},
			SourceID:   s.cfg.BaseURL,
		})
	}

	next := ""
	if len(tags) > 0 {
		next = strconv.Itoa(offset + len(tags))
	}
	return importer.FetchResult{Records: records, NextToken: next}, nil
}

func offsetFromCursor(cursor importer.Cursor) (int, error) {
	if cursor.IsStart() {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor.Token)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("malformed cursor token %q", cursor.Token)
	}
	return offset, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden ||
		code == http.StatusUnprocessableEntity || code == http.StatusNotFound:
		return importer.Fatalf("mastodon source: status %d", code)
	case code == http.StatusTooManyRequests || code >= 500:
		return importer.Transientf("mastodon source: status %d", code)
	default:
		return importer.Transientf("mastodon source: unexpected status %d", code)
	}
}

func latestUses(t tag) int64 {
	if len(t.History) == 0 {
		return 1
	}
	n, err := strconv.ParseInt(t.History[0].Uses, 10, 64)
	if err != nil || n < 0 {
		return 1
	}
	return n
}
