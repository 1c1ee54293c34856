package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/elonfeng/foresight/internal/secrets"
	"github.com/elonfeng/foresight/pkg/source"
)

// Persistence backends.
const (
	BackendSQLite = "sqlite"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendRedis  = "redis"
)

// Secret names read through the resolver.
const (
	SecretRedditClientID     = "REDDIT_CLIENT_ID"
	SecretRedditClientSecret = "REDDIT_CLIENT_SECRET"
	SecretRedditUserAgent    = "REDDIT_USER_AGENT"
	SecretYouTubeAPIKey      = "YOUTUBE_API_KEY"
	SecretGCSCredentials     = "GCS_CREDENTIALS_JSON"
	SecretAWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	SecretAWSSecretKey       = "AWS_SECRET_ACCESS_KEY"
	SecretRedisPassword      = "REDIS_PASSWORD"
)

// ConfigurationError is fatal at startup, before any fetch.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + strings.ReplaceAll(e.Err.Error(), "\n", "; ")
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Credentials is the resolved secret material. It is passed explicitly to
// the components that need it.
type Credentials struct {
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	YouTubeAPIKey      string
	GCSCredentialsFile string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	RedisPassword      string
	SlackWebhookURL    string
	DiscordWebhookURL  string
	WebhookSecret      string
}

// Secret is one named credential value.
type Secret struct {
	Name  string
	Value string
}

// List returns every credential by name, in a stable order.
func (c Credentials) List() []Secret {
	return []Secret{
		{SecretRedditClientID, c.RedditClientID},
		{SecretRedditClientSecret, c.RedditClientSecret},
		{SecretRedditUserAgent, c.RedditUserAgent},
		{SecretYouTubeAPIKey, c.YouTubeAPIKey},
		{SecretGCSCredentials, c.GCSCredentialsFile},
		{SecretAWSAccessKeyID, c.AWSAccessKeyID},
		{SecretAWSSecretKey, c.AWSSecretAccessKey},
		{SecretRedisPassword, c.RedisPassword},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
		{"DISCORD_WEBHOOK_URL", c.DiscordWebhookURL},
		{"FORESIGHT_WEBHOOK_SECRET", c.WebhookSecret},
	}
}

// Redactor masks every resolved credential. The user agent and the
// credentials file path are not secret and are left out.
func (c Credentials) Redactor() *secrets.Redactor {
	return secrets.NewRedactor(
		c.RedditClientID, c.RedditClientSecret, c.YouTubeAPIKey,
		c.AWSAccessKeyID, c.AWSSecretAccessKey, c.RedisPassword,
		c.SlackWebhookURL, c.DiscordWebhookURL, c.WebhookSecret,
	)
}

// Resolved is the startup view of the configuration: the sources that will
// run and the credentials they use.
type Resolved struct {
	Sources     []source.SourceConfig
	Credentials Credentials
	// Disabled lists auto sources skipped for missing credentials.
	Disabled []string
}

// Resolve reads credentials once and builds the source list. A source with
// Enabled unset runs only if its credentials resolve; an explicitly enabled
// source with missing credentials is a ConfigurationError.
func (c *Config) Resolve(r secrets.Resolver) (*Resolved, error) {
	if r == nil {
		r = secrets.MapResolver{}
	}
	c.normalize()
	get := func(name string) string {
		v, _ := r.Resolve(name)
		return strings.TrimSpace(v)
	}

	res := &Resolved{Credentials: Credentials{
		RedditClientID:     get(SecretRedditClientID),
		RedditClientSecret: get(SecretRedditClientSecret),
		RedditUserAgent:    get(SecretRedditUserAgent),
		YouTubeAPIKey:      get(SecretYouTubeAPIKey),
		GCSCredentialsFile: get(SecretGCSCredentials),
		AWSAccessKeyID:     get(SecretAWSAccessKeyID),
		AWSSecretAccessKey: get(SecretAWSSecretKey),
		RedisPassword:      get(SecretRedisPassword),
		SlackWebhookURL:    c.Notify.Slack.WebhookURL,
		DiscordWebhookURL:  c.Notify.Discord.WebhookURL,
		WebhookSecret:      c.Notify.Webhook.Secret,
	}}
	creds := res.Credentials

	var problems []error
	seen := make(map[string]bool)
	add := func(sc source.SourceConfig) {
		if seen[sc.Name] {
			return
		}
		seen[sc.Name] = true
		res.Sources = append(res.Sources, sc)
	}

	// Reddit
	redditMissing := missing(
		Secret{SecretRedditClientID, creds.RedditClientID},
		Secret{SecretRedditClientSecret, creds.RedditClientSecret},
	)
	if on, problem := enabled("reddit", c.Sources.Reddit.Enabled, redditMissing, len(c.Sources.Reddit.Subreddits)); problem != nil {
		problems = append(problems, problem)
	} else if on {
		for _, raw := range c.Sources.Reddit.Subreddits {
			sub := source.NormalizeSubreddit(raw)
			if sub == "" {
				problems = append(problems, fmt.Errorf("sources.reddit: invalid subreddit %q", raw))
				continue
			}
			add(source.SourceConfig{
				Name:          "reddit:" + sub,
				Kind:          source.KindReddit,
				Target:        sub,
				Limit:         c.Sources.Reddit.Limit,
				CredentialRef: SecretRedditClientSecret,
			})
		}
	} else if c.Sources.Reddit.Enabled == nil && len(redditMissing) > 0 {
		res.Disabled = append(res.Disabled, "reddit")
	}

	// YouTube
	yt := c.Sources.YouTube
	ytMissing := missing(Secret{SecretYouTubeAPIKey, creds.YouTubeAPIKey})
	if on, problem := enabled("youtube", yt.Enabled, ytMissing, len(yt.Channels)+len(yt.Queries)); problem != nil {
		problems = append(problems, problem)
	} else if on {
		for _, ch := range yt.Channels {
			id := source.ChannelID(ch.ID)
			if id == "" {
				problems = append(problems, fmt.Errorf("sources.youtube: %q is not a channel ID or channel URL", ch.ID))
				continue
			}
			name := ch.Name
			if name == "" {
				name = id
			}
			add(source.SourceConfig{
				Name:          "youtube:" + name,
				Kind:          source.KindYouTube,
				Target:        id,
				Limit:         yt.Limit,
				CredentialRef: SecretYouTubeAPIKey,
			})
		}
		for _, q := range yt.Queries {
			if q = strings.TrimSpace(q); q == "" {
				continue
			}
			add(source.SourceConfig{
				Name:          "youtube:" + q,
				Kind:          source.KindYouTube,
				Target:        q,
				Limit:         yt.Limit,
				CredentialRef: SecretYouTubeAPIKey,
			})
		}
	} else if yt.Enabled == nil && len(ytMissing) > 0 {
		res.Disabled = append(res.Disabled, "youtube")
	}

	// RSS needs no credentials.
	if on, problem := enabled("rss", c.Sources.RSS.Enabled, nil, len(c.Sources.RSS.Feeds)); problem != nil {
		problems = append(problems, problem)
	} else if on {
		for _, feed := range c.Sources.RSS.Feeds {
			u, err := url.Parse(strings.TrimSpace(feed.URL))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				problems = append(problems, fmt.Errorf("sources.rss: invalid feed url %q", feed.URL))
				continue
			}
			name := feed.Name
			if name == "" {
				name = u.Host
			}
			add(source.SourceConfig{
				Name:   "rss:" + name,
				Kind:   source.KindRSS,
				Target: u.String(),
				Limit:  c.Sources.RSS.Limit,
			})
		}
	}

	problems = append(problems, c.validatePersistence(creds)...)
	problems = append(problems, c.validateIngest()...)

	if len(problems) == 0 && len(res.Sources) == 0 {
		problems = append(problems, errors.New("no sources enabled"))
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Err: errors.Join(problems...)}
	}
	return res, nil
}

// enabled decides whether a source kind runs. targets is the number of
// configured targets.
func enabled(kind string, flag *bool, missingSecrets []string, targets int) (bool, error) {
	switch {
	case flag == nil:
		return len(missingSecrets) == 0 && targets > 0, nil
	case !*flag:
		return false, nil
	case len(missingSecrets) > 0:
		return false, fmt.Errorf("sources.%s is enabled but %s not set", kind, strings.Join(missingSecrets, ", "))
	case targets == 0:
		return false, fmt.Errorf("sources.%s is enabled but has no targets", kind)
	}
	return true, nil
}

func missing(required ...Secret) []string {
	var names []string
	for _, s := range required {
		if s.Value == "" {
			names = append(names, s.Name)
		}
	}
	return names
}

func (c *Config) validatePersistence(creds Credentials) []error {
	p := c.Persistence
	var problems []error
	switch p.Backend {
	case BackendSQLite:
		if c.Database.Path == "" {
			problems = append(problems, errors.New("database.path is required for the sqlite backend"))
		}
	case BackendGCS:
		if p.Bucket == "" {
			problems = append(problems, errors.New("persistence.bucket (or GCS_BUCKET_NAME) is required for the gcs backend"))
		}
		if creds.GCSCredentialsFile == "" {
			problems = append(problems, fmt.Errorf("%s is required for the gcs backend", SecretGCSCredentials))
		}
	case BackendS3:
		if p.Bucket == "" {
			problems = append(problems, errors.New("persistence.bucket is required for the s3 backend"))
		}
		if (creds.AWSAccessKeyID == "") != (creds.AWSSecretAccessKey == "") {
			problems = append(problems, fmt.Errorf("%s and %s must be set together", SecretAWSAccessKeyID, SecretAWSSecretKey))
		}
	case BackendRedis:
		if p.Redis.Addr == "" {
			problems = append(problems, errors.New("persistence.redis.addr is required for the redis backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("persistence.backend %q is not one of sqlite, gcs, s3, redis", p.Backend))
	}
	return problems
}

func (c *Config) validateIngest() []error {
	var problems []error
	durations := []struct{ name, value string }{
		{"ingest.fetch_timeout", c.Ingest.FetchTimeout},
		{"ingest.persist_timeout", c.Ingest.PersistTimeout},
		{"ingest.retry.base_delay", c.Ingest.Retry.BaseDelay},
		{"ingest.retry.max_delay", c.Ingest.Retry.MaxDelay},
		{"schedule.interval", c.Schedule.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			problems = append(problems, fmt.Errorf("%s: invalid duration %q", d.name, d.value))
		}
	}
	if c.Ingest.Workers < 0 {
		problems = append(problems, errors.New("ingest.workers must not be negative"))
	}
	if c.Ingest.Retry.Attempts < 0 || c.Ingest.Retry.Attempts > 3 {
		problems = append(problems, errors.New("ingest.retry.attempts must be between 1 and 3"))
	}
	return problems
}

// Select narrows sources to those whose kind or name matches one of the
// selectors. No selectors keeps everything; an unmatched selector is an error.
func Select(sources []source.SourceConfig, selectors []string) ([]source.SourceConfig, error) {
	if len(selectors) == 0 {
		return sources, nil
	}
	var out []source.SourceConfig
	picked := make(map[string]bool)
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		matched := false
		for _, sc := range sources {
			if strings.EqualFold(sc.Name, sel) || strings.EqualFold(string(sc.Kind), sel) {
				matched = true
				if !picked[sc.Name] {
					picked[sc.Name] = true
					out = append(out, sc)
				}
			}
		}
		if !matched {
			return nil, &ConfigurationError{Err: fmt.Errorf("no enabled source matches %q", sel)}
		}
	}
	return out, nil
}
