package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/mmcdole/gofeed"
)

const (
	rssTimeout   = 30 * time.Second
	rssUserAgent = "foresight/1.0"
)

// RSS reads entries from an RSS or Atom feed URL.
type RSS struct {
	client *http.Client
	parser *gofeed.Parser
	retry  retry.Policy
}

// NewRSS creates a feed connector. A nil client gets a default one.
func NewRSS(client *http.Client, policy retry.Policy) *RSS {
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout(policy, rssTimeout)}
	}
	return &RSS{
		client: client,
		parser: gofeed.NewParser(),
		retry:  policy,
	}
}

func (r *RSS) Kind() Kind { return KindRSS }

func (r *RSS) Fetch(ctx context.Context, cfg SourceConfig) ([]RawRecord, error) {
	return retry.Do(ctx, r.retry, IsTransient, func(ctx context.Context) ([]RawRecord, error) {
		return r.fetchFeed(ctx, cfg)
	})
}

func (r *RSS) fetchFeed(ctx context.Context, cfg SourceConfig) ([]RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
	if err != nil {
		return nil, newError(cfg.Name, MalformedResponse, fmt.Errorf("create rss request: %w", err))
	}
	req.Header.Set("User-Agent", rssUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transportError(cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(cfg.Name, resp.StatusCode)
	}

	feed, err := r.parser.Parse(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transportError(cfg.Name, ctx.Err())
		}
		return nil, newError(cfg.Name, MalformedResponse, fmt.Errorf("parse feed: %w", err))
	}

	fetchedAt := time.Now().UTC()
	limit := cfg.EffectiveLimit()
	var records []RawRecord
	for _, entry := range feed.Items {
		if len(records) >= limit {
			break
		}

		var published time.Time
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}

		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}

		id := strings.TrimSpace(entry.GUID)
		if id == "" {
			id = link
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}

		body := entry.Description
		if body == "" {
			body = entry.Content
		}

		records = append(records, RawRecord{
			Kind:        KindRSS,
			SourceName:  cfg.Name,
			ExternalID:  id,
			Title:       entry.Title,
			Body:        truncate(body, 2000),
			Author:      author,
			URL:         link,
			PublishedAt: published,
			FetchedAt:   fetchedAt,
			Extra: map[string]any{
				"feed_title": feed.Title,
				"categories": entry.Categories,
			},
		})
	}
	return records, nil
}
