// Package notify sends ingestion run summaries to chat and webhook
// destinations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SourceSummary is the per-source part of a notification.
type SourceSummary struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Fetched    int    `json:"fetched"`
	Persisted  int    `json:"persisted"`
	Errors     int    `json:"errors"`
	FirstError string `json:"first_error,omitempty"`
}

// Notification is the data sent to notification destinations.
type Notification struct {
	RunID      string          `json:"run_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Failed     bool            `json:"failed"`
	FinishedAt time.Time       `json:"finished_at"`
	Sources    []SourceSummary `json:"sources"`
}

// Notifier delivers notifications to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers     []Notifier
	onlyOnFailure bool
}

// NewManager creates a manager. With onlyOnFailure set, a run is broadcast
// only if it failed or recorded at least one error.
func NewManager(notifiers []Notifier, onlyOnFailure bool) *Manager {
	return &Manager{notifiers: notifiers, onlyOnFailure: onlyOnFailure}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if !m.HasNotifiers() {
		return nil
	}
	if m.onlyOnFailure && !n.Failed && !hasErrors(n) {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func hasErrors(n *Notification) bool {
	for _, s := range n.Sources {
		if s.Errors > 0 {
			return true
		}
	}
	return false
}
