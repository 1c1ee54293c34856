// Package item defines the canonical ingested item and the normalizer that
// produces it from connector records.
package item

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/source"
	"golang.org/x/text/unicode/norm"
)

// Item is the canonical, source-independent form of an ingested record.
// (Source, ExternalID) is its dedup key.
type Item struct {
	Source      source.Kind    `json:"source" db:"source"`
	SourceName  string         `json:"source_name" db:"source_name"`
	ExternalID  string         `json:"external_id" db:"external_id"`
	Title       string         `json:"title" db:"title"`
	Body        string         `json:"body" db:"body"`
	Author      string         `json:"author" db:"author"`
	URL         string         `json:"url" db:"url"`
	PublishedAt time.Time      `json:"published_at" db:"published_at"`
	FetchedAt   time.Time      `json:"fetched_at" db:"fetched_at"`
	ContentHash string         `json:"content_hash" db:"content_hash"`
	Extra       map[string]any `json:"extra,omitempty" db:"-"`
	ExtraJSON   string         `json:"-" db:"extra"`
}

// Key returns the dedup key in "<kind>:<external id>" form.
func (it Item) Key() string {
	return string(it.Source) + ":" + it.ExternalID
}

// ValidationError reports a record that cannot be normalized.
type ValidationError struct {
	Source     string
	ExternalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<none>"
	}
	return fmt.Sprintf("invalid record %s from %s: %s %s", id, e.Source, e.Field, e.Reason)
}

// Normalize converts a raw connector record into an Item. It is pure: the
// same record always yields the same item, hash included.
func Normalize(rec source.RawRecord) (Item, error) {
	id := strings.TrimSpace(rec.ExternalID)
	if rec.Kind == "" {
		return Item{}, &ValidationError{Source: rec.SourceName, ExternalID: id, Field: "source", Reason: "is missing"}
	}
	if !rec.Kind.Valid() {
		return Item{}, &ValidationError{Source: rec.SourceName, ExternalID: id, Field: "source", Reason: fmt.Sprintf("%q is unknown", rec.Kind)}
	}
	if id == "" {
		return Item{}, &ValidationError{Source: rec.SourceName, Field: "external_id", Reason: "is missing"}
	}

	title := clean(rec.Title)
	body := clean(rec.Body)
	author := clean(rec.Author)

	fetched := rec.FetchedAt.UTC()
	published := rec.PublishedAt.UTC()
	if rec.PublishedAt.IsZero() {
		published = fetched
	}

	return Item{
		Source:      rec.Kind,
		SourceName:  rec.SourceName,
		ExternalID:  id,
		Title:       title,
		Body:        body,
		Author:      author,
		URL:         strings.TrimSpace(rec.URL),
		PublishedAt: published,
		FetchedAt:   fetched,
		ContentHash: ContentHash(title, body, author),
		Extra:       rec.Extra,
	}, nil
}

// ContentHash is the hex SHA-256 of the NFC-normalized title, body and
// author, separated by the ASCII unit separator.
func ContentHash(title, body, author string) string {
	h := sha256.New()
	h.Write([]byte(clean(title)))
	h.Write([]byte{0x1f})
	h.Write([]byte(clean(body)))
	h.Write([]byte{0x1f})
	h.Write([]byte(clean(author)))
	return hex.EncodeToString(h.Sum(nil))
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
