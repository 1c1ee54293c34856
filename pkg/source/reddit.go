package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	redditTokenURL     = "https://www.reddit.com/api/v1/access_token"
	redditAPIBase      = "https://oauth.reddit.com"
	redditWebBase      = "https://www.reddit.com"
	redditUserAgent    = "foresight/1.0"
	redditTimeout      = 30 * time.Second
	redditRequestsPerS = 1.0
)

// RedditOptions configures the Reddit connector. Zero values take defaults.
type RedditOptions struct {
	ClientID     string
	ClientSecret string
	UserAgent    string

	Retry             retry.Policy
	RequestsPerSecond float64

	// Overridable endpoints and transport, used by tests.
	TokenURL   string
	APIBase    string
	HTTPClient *http.Client
}

// Reddit fetches hot posts from a subreddit using app-only OAuth.
type Reddit struct {
	client    *http.Client
	apiBase   string
	userAgent string
	limiter   *rate.Limiter
	retry     retry.Policy
}

// NewReddit creates a Reddit connector. Client ID and secret are required.
func NewReddit(opts RedditOptions) (*Reddit, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, errors.New("reddit: client id and secret are required")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = redditUserAgent
	}
	if opts.TokenURL == "" {
		opts.TokenURL = redditTokenURL
	}
	if opts.APIBase == "" {
		opts.APIBase = redditAPIBase
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = redditRequestsPerS
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: attemptTimeout(opts.Retry, redditTimeout)}
	}
	// Reddit rejects requests without a descriptive User-Agent, token
	// requests included.
	uaClient := *base
	uaClient.Transport = &userAgentTransport{base: base.Transport, userAgent: opts.UserAgent}

	cc := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &uaClient)

	return &Reddit{
		client:    cc.Client(tokenCtx),
		apiBase:   strings.TrimRight(opts.APIBase, "/"),
		userAgent: opts.UserAgent,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		retry:     opts.Retry,
	}, nil
}

func (r *Reddit) Kind() Kind { return KindReddit }

func (r *Reddit) Fetch(ctx context.Context, cfg SourceConfig) ([]RawRecord, error) {
	sub := NormalizeSubreddit(cfg.Target)
	if sub == "" {
		return nil, newError(cfg.Name, MalformedResponse, fmt.Errorf("invalid subreddit %q", cfg.Target))
	}
	return retry.Do(ctx, r.retry, IsTransient, func(ctx context.Context) ([]RawRecord, error) {
		return r.fetchSubreddit(ctx, cfg, sub)
	})
}

func (r *Reddit) fetchSubreddit(ctx context.Context, cfg SourceConfig, sub string) ([]RawRecord, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, transportError(cfg.Name, err)
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprint(cfg.EffectiveLimit()))
	params.Set("raw_json", "1")
	reqURL := fmt.Sprintf("%s/r/%s/hot.json?%s", r.apiBase, url.PathEscape(sub), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, newError(cfg.Name, MalformedResponse, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, redditTransportError(cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(cfg.Name, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		if ctx.Err() != nil {
			return nil, transportError(cfg.Name, ctx.Err())
		}
		return nil, newError(cfg.Name, MalformedResponse, fmt.Errorf("decode r/%s: %w", sub, err))
	}

	return recordsFromListing(listing, cfg, sub, time.Now().UTC()), nil
}

// redditTransportError surfaces token endpoint rejections as auth failures.
func redditTransportError(source string, err error) *ConnectorError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
			return newError(source, AuthFailure, fmt.Errorf("token request: %w", err))
		default:
			return statusError(source, code)
		}
	}
	return transportError(source, err)
}

func recordsFromListing(listing redditListing, cfg SourceConfig, sub string, fetchedAt time.Time) []RawRecord {
	records := make([]RawRecord, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Stickied {
			continue
		}

		postURL := post.URL
		if postURL == "" || strings.HasPrefix(postURL, "/r/") {
			postURL = redditWebBase + post.Permalink
		}

		var published time.Time
		if post.CreatedUTC > 0 {
			published = time.Unix(int64(post.CreatedUTC), 0).UTC()
		}

		author := post.Author
		if author == "" || author == "[deleted]" {
			author = "deleted"
		}

		records = append(records, RawRecord{
			Kind:        KindReddit,
			SourceName:  cfg.Name,
			ExternalID:  post.ID,
			Title:       post.Title,
			Body:        post.Selftext,
			Author:      author,
			URL:         postURL,
			PublishedAt: published,
			FetchedAt:   fetchedAt,
			Extra: map[string]any{
				"subreddit":    sub,
				"score":        post.Score,
				"num_comments": post.NumComments,
				"upvote_ratio": post.UpvoteRatio,
			},
		})
	}
	return records
}

// NormalizeSubreddit accepts "r/Name", "/r/Name", a reddit URL or a bare
// name and returns the bare subreddit name.
func NormalizeSubreddit(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.Contains(n, "reddit.com") {
		if idx := strings.Index(n, "/r/"); idx != -1 {
			n = n[idx+3:]
		}
	}
	n = strings.TrimPrefix(n, "/r/")
	n = strings.TrimPrefix(n, "r/")
	n = strings.Trim(n, "/ ")
	if strings.Contains(n, "/") {
		parts := strings.FieldsFunc(n, func(r rune) bool { return r == '/' })
		if len(parts) > 0 {
			n = parts[0]
		}
	}
	return n
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return base.RoundTrip(clone)
}

type redditListing struct {
	Data struct {
		Children []redditChild `json:"children"`
	} `json:"data"`
}

type redditChild struct {
	Data redditPost `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Stickied    bool    `json:"stickied"`
	UpvoteRatio float64 `json:"upvote_ratio"`
}
