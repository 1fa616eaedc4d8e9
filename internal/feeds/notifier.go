// ABOUTME: Alert types produced by the poller and the Notifier sink they go to
// ABOUTME: Fanout delivers one alert to several notifiers

package feeds

import (
	"context"
	"errors"
	"time"
)

// AlertKind distinguishes feed items from page changes.
type AlertKind string

const (
	KindNews       AlertKind = "news"
	KindPageChange AlertKind = "page_change"
)

// Alert is one notification produced by a scan.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Summary   string    `json:"summary,omitempty"`
	Published time.Time `json:"published,omitempty"`
	Trigger   string    `json:"trigger"`
}

// Text is what room filters match against.
func (a Alert) Text() string {
	return a.Title + " " + a.Summary + " " + a.Source
}

// Notifier delivers alerts. Notify returns how many destinations received it.
type Notifier interface {
	Notify(ctx context.Context, a Alert) (int, error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) (int, error)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) (int, error) {
	return f(ctx, a)
}

// Fanout sends each alert to every notifier, summing deliveries and joining
// errors.
type Fanout []Notifier

// Notify implements Notifier.
func (fo Fanout) Notify(ctx context.Context, a Alert) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, n := range fo {
		if n == nil {
			continue
		}
		delivered, err := n.Notify(ctx, a)
		total += delivered
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
