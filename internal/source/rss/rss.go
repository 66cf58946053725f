// Package rss extracts hashtags from the categories of one or more RSS
// or Atom feeds. The cursor token is the RFC3339 publish time of the
// newest item already imported; each fetch returns only items newer
// than that, across all configured feeds.
package rss

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/tagpipe/hashtag-importer/internal/importer"
	"github.com/tagpipe/hashtag-importer/internal/ratelimit"
)

// Config holds source configuration.
type Config struct {
	FeedURLs  []string
	UserAgent string
	Timeout   time.Duration
}

// Source implements importer.Source over a set of feeds.
type Source struct {
	cfg     Config
	parser  *gofeed.Parser
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

type feedItem struct {
	item    *gofeed.Item
	feedURL string
}

// New creates a feed source. The limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Source, error) {
	if len(cfg.FeedURLs) == 0 {
		return nil, fmt.Errorf("rss source: at least one feed url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hashtag-importer/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := gofeed.NewParser()
	parser.UserAgent = cfg.UserAgent
	return &Source{cfg: cfg, parser: parser, limiter: limiter, logger: logger}, nil
}

// Fetch parses every feed and returns one record per category on items
// published after the cursor time, oldest first, capped at limit items.
// The next token is the publish time of the newest returned item.
func (s *Source) Fetch(ctx context.Context, cursor importer.Cursor, limit int) (importer.FetchResult, error) {
	since, err := sinceFromCursor(cursor)
	if err != nil {
		return importer.FetchResult{}, importer.Fatalf("rss source: %v", err)
	}

	var items []feedItem
	for _, feedURL := range s.cfg.FeedURLs {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, feedURL); err != nil {
				return importer.FetchResult{}, importer.Transientf("rss source: %v", err)
			}
		}
		feed, err := s.parseFeed(ctx, feedURL)
		if err != nil {
			return importer.FetchResult{}, importer.Transientf("rss source: parse %s: %v", feedURL, err)
		}
		for _, item := range feed.Items {
			if item.PublishedParsed == nil || !item.PublishedParsed.After(since) {
				continue
			}
			items = append(items, feedItem{item: item, feedURL: feedURL})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].item.PublishedParsed.Before(*items[j].item.PublishedParsed)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	var records []importer.RawRecord
	newest := since
	for _, fi := range items {
		observed := fi.item.PublishedParsed.UTC()
		if observed.After(newest) {
			newest = observed
		}
		for _, category := range fi.item.Categories {
			records = append(records, importer.RawRecord{
				Tag:        category,
				Metric:     1,
				ObservedAt: observed,
				SourceID:   fi.feedURL,
			})
		}
	}

	next := cursor.Token
	if len(items) > 0 {
		next = newest.Format(time.RFC3339)
	}
	return importer.FetchResult{Records: records, NextToken: next}, nil
}

func (s *Source) parseFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.parser.ParseURLWithContext(feedURL, fetchCtx)
}

func sinceFromCursor(cursor importer.Cursor) (time.Time, error) {
	if cursor.IsStart() {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, cursor.Token)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed cursor token %q", cursor.Token)
	}
	return since, nil
}
