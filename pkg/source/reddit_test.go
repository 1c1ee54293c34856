package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type redditFake struct {
	tokenStatus  int
	listing      func(calls int32) (int, any)
	tokenCalls   atomic.Int32
	listingCalls atomic.Int32
	userAgents   chan string
}

func (f *redditFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if id, secret, ok := r.BasicAuth(); !ok || id != "client-id" || secret != "client-secret" {
			t.Errorf("token request basic auth = %q/%q/%v", id, secret, ok)
		}
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/r/", func(w http.ResponseWriter, r *http.Request) {
		n := f.listingCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if f.userAgents != nil {
			f.userAgents <- r.Header.Get("User-Agent")
		}
		status, body := f.listing(n)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if s, ok := body.(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newTestReddit(t *testing.T, f *redditFake) *Reddit {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	r, err := NewReddit(RedditOptions{
		ClientID:          "client-id",
		ClientSecret:      "client-secret",
		UserAgent:         "foresight-test/1.0",
		Retry:             fastRetry,
		RequestsPerSecond: 1000,
		TokenURL:          srv.URL + "/token",
		APIBase:           srv.URL,
	})
	require.NoError(t, err)
	return r
}

func listingOf(posts ...redditPost) redditListing {
	var l redditListing
	for _, p := range posts {
		l.Data.Children = append(l.Data.Children, redditChild{Data: p})
	}
	return l
}

func TestNewReddit_RequiresCredentials(t *testing.T) {
	_, err := NewReddit(RedditOptions{ClientID: "id"})
	require.Error(t, err)

	_, err = NewReddit(RedditOptions{ClientSecret: "secret"})
	require.Error(t, err)
}

func TestReddit_Fetch(t *testing.T) {
	now := time.Now().Unix()
	f := &redditFake{
		userAgents: make(chan string, 4),
		listing: func(int32) (int, any) {
			return http.StatusOK, listingOf(
				redditPost{ID: "abc", Title: "Cast iron", Selftext: "Lasts forever", Author: "u1", Permalink: "/r/BuyItForLife/comments/abc/", CreatedUTC: float64(now), Score: 10, NumComments: 2},
				redditPost{ID: "pin", Title: "Rules", Stickied: true},
				redditPost{ID: "def", Title: "Link", URL: "https://example.com/x", Author: "[deleted]", CreatedUTC: float64(now)},
			)
		},
	}
	r := newTestReddit(t, f)

	cfg := SourceConfig{Name: "reddit:BuyItForLife", Kind: KindReddit, Target: "r/BuyItForLife", Limit: 10}
	records, err := r.Fetch(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, KindReddit, first.Kind)
	assert.Equal(t, "reddit:BuyItForLife", first.SourceName)
	assert.Equal(t, "abc", first.ExternalID)
	assert.Equal(t, "Cast iron", first.Title)
	assert.Equal(t, "Lasts forever", first.Body)
	assert.Equal(t, "u1", first.Author)
	assert.Equal(t, "https://www.reddit.com/r/BuyItForLife/comments/abc/", first.URL)
	assert.Equal(t, time.Unix(now, 0).UTC(), first.PublishedAt)
	assert.False(t, first.FetchedAt.IsZero())
	assert.Equal(t, 10, first.Extra["score"])

	assert.Equal(t, "https://example.com/x", records[1].URL)
	assert.Equal(t, "deleted", records[1].Author)

	assert.Equal(t, "foresight-test/1.0", <-f.userAgents)
	assert.EqualValues(t, 1, f.tokenCalls.Load())
}

func TestReddit_AuthFailureNotRetried(t *testing.T) {
	f := &redditFake{
		tokenStatus: http.StatusUnauthorized,
		listing:     func(int32) (int, any) { return http.StatusOK, listingOf() },
	}
	r := newTestReddit(t, f)

	_, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:x", Target: "x"})
	var ce *ConnectorError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, AuthFailure, ce.Kind)
	assert.EqualValues(t, 1, f.tokenCalls.Load())
	assert.Zero(t, f.listingCalls.Load())
}

func TestReddit_ForbiddenListingIsAuthFailure(t *testing.T) {
	f := &redditFake{
		listing: func(int32) (int, any) { return http.StatusForbidden, "" },
	}
	r := newTestReddit(t, f)

	_, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:private", Target: "private"})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, AuthFailure, ce.Kind)
	assert.EqualValues(t, 1, f.listingCalls.Load())
}

func TestReddit_RateLimitRetried(t *testing.T) {
	f := &redditFake{
		listing: func(n int32) (int, any) {
			if n < 3 {
				return http.StatusTooManyRequests, ""
			}
			return http.StatusOK, listingOf(redditPost{ID: "ok", Title: "finally"})
		},
	}
	r := newTestReddit(t, f)

	records, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:x", Target: "x"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 3, f.listingCalls.Load())
}

func TestReddit_RateLimitExhausted(t *testing.T) {
	f := &redditFake{
		listing: func(int32) (int, any) { return http.StatusTooManyRequests, "" },
	}
	r := newTestReddit(t, f)

	_, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:x", Target: "x"})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, RateLimited, ce.Kind)
	assert.EqualValues(t, retry.MaxAttempts, f.listingCalls.Load())
}

func TestReddit_MalformedJSON(t *testing.T) {
	f := &redditFake{
		listing: func(int32) (int, any) { return http.StatusOK, "{{{not json" },
	}
	r := newTestReddit(t, f)

	_, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:x", Target: "x"})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MalformedResponse, ce.Kind)
	assert.EqualValues(t, 1, f.listingCalls.Load())
}

func TestReddit_InvalidTarget(t *testing.T) {
	r := newTestReddit(t, &redditFake{listing: func(int32) (int, any) { return http.StatusOK, listingOf() }})

	_, err := r.Fetch(context.Background(), SourceConfig{Name: "reddit:", Target: "  "})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MalformedResponse, ce.Kind)
}

func TestNormalizeSubreddit(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"BuyItForLife", "BuyItForLife"},
		{"r/BuyItForLife", "BuyItForLife"},
		{"/r/SkincareAddiction/", "SkincareAddiction"},
		{"https://www.reddit.com/r/golang/", "golang"},
		{"https://reddit.com/r/golang/comments/abc/title/", "golang"},
		{"  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubreddit(tt.in))
		})
	}
}
