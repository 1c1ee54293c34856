package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const youtubeTimeout = 30 * time.Second

// YouTubeOptions configures the YouTube connector.
type YouTubeOptions struct {
	APIKey string
	Retry  retry.Policy

	// Endpoint overrides the API location, used by tests.
	Endpoint string
}

// YouTube lists recent videos of a channel, or searches by query, through
// the YouTube Data API.
type YouTube struct {
	service *youtube.Service
	retry   retry.Policy
}

// NewYouTube creates a YouTube connector. The API key is required.
func NewYouTube(ctx context.Context, opts YouTubeOptions) (*YouTube, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("youtube: API key required (set YOUTUBE_API_KEY)")
	}

	// option.WithHTTPClient bypasses the API key transport.
	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &YouTube{service: svc, retry: opts.Retry}, nil
}

func (y *YouTube) Kind() Kind { return KindYouTube }

func (y *YouTube) Fetch(ctx context.Context, cfg SourceConfig) ([]RawRecord, error) {
	target := strings.TrimSpace(cfg.Target)
	if target == "" {
		return nil, newError(cfg.Name, MalformedResponse, errors.New("empty youtube target"))
	}
	return retry.Do(ctx, y.retry, IsTransient, func(ctx context.Context) ([]RawRecord, error) {
		return y.search(ctx, cfg, target)
	})
}

func (y *YouTube) search(ctx context.Context, cfg SourceConfig, target string) ([]RawRecord, error) {
	call := y.service.Search.List([]string{"snippet"}).
		Type("video").
		MaxResults(int64(cfg.EffectiveLimit()))

	if channelID := ChannelID(target); channelID != "" {
		call = call.ChannelId(channelID).Order("date")
	} else {
		call = call.Q(target).Order("date")
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout(y.retry, youtubeTimeout))
	defer cancel()

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, youtubeError(cfg.Name, err)
	}

	fetchedAt := time.Now().UTC()
	records := make([]RawRecord, 0, len(resp.Items))
	for _, result := range resp.Items {
		if result == nil || result.Snippet == nil {
			continue
		}
		videoID := ""
		if result.Id != nil {
			videoID = result.Id.VideoId
		}

		var published time.Time
		if result.Snippet.PublishedAt != "" {
			if t, err := time.Parse(time.RFC3339, result.Snippet.PublishedAt); err == nil {
				published = t.UTC()
			}
		}

		link := ""
		if videoID != "" {
			link = "https://www.youtube.com/watch?v=" + videoID
		}

		records = append(records, RawRecord{
			Kind:        KindYouTube,
			SourceName:  cfg.Name,
			ExternalID:  videoID,
			Title:       result.Snippet.Title,
			Body:        result.Snippet.Description,
			Author:      result.Snippet.ChannelTitle,
			URL:         link,
			PublishedAt: published,
			FetchedAt:   fetchedAt,
			Extra: map[string]any{
				"channel_id": result.Snippet.ChannelId,
			},
		})
	}
	return records, nil
}

// ChannelID extracts a channel ID from a bare "UC..." ID or a
// youtube.com/channel/<id> URL. Anything else returns "".
func ChannelID(target string) string {
	t := strings.TrimSpace(target)
	if idx := strings.Index(t, "/channel/"); idx != -1 {
		t = t[idx+len("/channel/"):]
		if end := strings.IndexAny(t, "/?#"); end != -1 {
			t = t[:end]
		}
	}
	if strings.HasPrefix(t, "UC") && len(t) >= 20 && !strings.ContainsAny(t, " /") {
		return t
	}
	return ""
}

func youtubeError(source string, err error) *ConnectorError {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return transportError(source, err)
	}

	reasons := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		reasons = append(reasons, item.Reason)
	}
	has := func(want ...string) bool {
		for _, r := range reasons {
			for _, w := range want {
				if r == w {
					return true
				}
			}
		}
		return false
	}

	switch {
	case has("quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded"):
		return newError(source, RateLimited, err)
	case has("keyInvalid", "keyExpired", "forbidden", "accessNotConfigured"):
		return newError(source, AuthFailure, err)
	}
	return statusError(source, gerr.Code)
}
