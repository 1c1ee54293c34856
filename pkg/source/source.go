package source

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/elonfeng/foresight/pkg/retry"
)

// Kind identifies which platform a record came from.
type Kind string

const (
	KindReddit  Kind = "reddit"
	KindYouTube Kind = "youtube"
	KindRSS     Kind = "rss"
)

// AllKinds returns all known source kinds.
func AllKinds() []Kind {
	return []Kind{KindReddit, KindYouTube, KindRSS}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind accepts a kind name in any case, plus the "yt" shorthand.
func ParseKind(s string) (Kind, error) {
	k := Kind(lower(s))
	if k == "yt" {
		k = KindYouTube
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// SourceConfig identifies one configured pull: a kind plus the target it
// reads (subreddit, channel, feed URL).
type SourceConfig struct {
	Name          string
	Kind          Kind
	Target        string
	Limit         int
	CredentialRef string
}

// EffectiveLimit clamps Limit into [1, MaxLimit], defaulting to DefaultLimit.
func (c SourceConfig) EffectiveLimit() int {
	switch {
	case c.Limit <= 0:
		return DefaultLimit
	case c.Limit > MaxLimit:
		return MaxLimit
	}
	return c.Limit
}

// RawRecord is the source-specific payload a connector returns.
type RawRecord struct {
	Kind        Kind
	SourceName  string
	ExternalID  string
	Title       string
	Body        string
	Author      string
	URL         string
	PublishedAt time.Time
	FetchedAt   time.Time
	Extra       map[string]any
}

// Connector fetches a bounded page of recent records for one source config.
// Every call fetches from scratch.
type Connector interface {
	Kind() Kind
	Fetch(ctx context.Context, cfg SourceConfig) ([]RawRecord, error)
}

// attemptTimeout is the configured per-attempt limit, or fallback when the
// policy sets none.
func attemptTimeout(p retry.Policy, fallback time.Duration) time.Duration {
	if p.AttemptTimeout > 0 {
		return p.AttemptTimeout
	}
	return fallback
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
