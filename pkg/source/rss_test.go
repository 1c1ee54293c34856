package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Adweek</title>
  <item>
    <title>Brand launches campaign</title>
    <link>https://example.com/a</link>
    <guid>https://example.com/a</guid>
    <description>Campaign details</description>
    <author>editor@example.com (Editor)</author>
    <pubDate>Mon, 06 May 2024 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>No guid item</title>
    <link>https://example.com/b</link>
    <description>Second</description>
  </item>
  <item>
    <title>Third</title>
    <guid>c</guid>
  </item>
</channel>
</rss>`

func TestRSS_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, rssUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(testFeed))
	}))
	defer srv.Close()

	r := NewRSS(srv.Client(), fastRetry)
	records, err := r.Fetch(context.Background(), SourceConfig{Name: "rss:adweek", Kind: KindRSS, Target: srv.URL, Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, KindRSS, records[0].Kind)
	assert.Equal(t, "https://example.com/a", records[0].ExternalID)
	assert.Equal(t, "Brand launches campaign", records[0].Title)
	assert.Equal(t, "Campaign details", records[0].Body)
	assert.False(t, records[0].PublishedAt.IsZero())

	// Entries without a GUID fall back to their link.
	assert.Equal(t, "https://example.com/b", records[1].ExternalID)
}

func TestRSS_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRSS(srv.Client(), fastRetry).Fetch(context.Background(), SourceConfig{Name: "rss:x", Target: srv.URL})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, NetworkFailure, ce.Kind)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRSS_ParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not a feed"))
	}))
	defer srv.Close()

	_, err := NewRSS(srv.Client(), fastRetry).Fetch(context.Background(), SourceConfig{Name: "rss:x", Target: srv.URL})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MalformedResponse, ce.Kind)
}

func TestRSSClientFollowsAttemptTimeout(t *testing.T) {
	assert.Equal(t, rssTimeout, NewRSS(nil, fastRetry).client.Timeout)

	policy := fastRetry
	policy.AttemptTimeout = 2 * time.Minute
	assert.Equal(t, 2*time.Minute, NewRSS(nil, policy).client.Timeout)
}
