// ABOUTME: Per-room alert configuration persisted in config.json
// ABOUTME: Maps a Matrix room to its alert target, keyword filters and language

// Package rooms stores which rooms receive feed alerts and how they filter them.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/cyberintel/internal/jsonstore"
)

// Room is the alert configuration of one room.
type Room struct {
	// ChannelID is the room that receives alerts on behalf of this room.
	ChannelID string   `json:"channel_id,omitempty"`
	Filters   []string `json:"filters"`
	Language  string   `json:"language"`
}

// Target is a configured room paired with its id.
type Target struct {
	RoomID string
	Room
}

// Matches reports whether text contains any of the room's filters,
// case-insensitively. A room without filters matches everything.
func (r Room) Matches(text string) bool {
	if len(r.Filters) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, f := range r.Filters {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Registry reads and writes config.json.
type Registry struct {
	store    *jsonstore.Store
	path     string
	defaults Room
	logger   *slog.Logger

	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

// New creates a Registry for the document at path. New rooms start with the
// filters and language of defaults.
func New(store *jsonstore.Store, path string, defaults Room, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		path:     path,
		defaults: defaults,
		logger:   logger.With("component", "rooms"),
	}
}

// Path returns the config document path.
func (r *Registry) Path() string {
	return r.path
}

// All returns every configured room.
func (r *Registry) All(ctx context.Context) map[string]Room {
	doc, _ := r.load(ctx)
	return doc
}

func (r *Registry) load(ctx context.Context) (map[string]Room, jsonstore.Result) {
	doc, res := jsonstore.LoadAs(ctx, r.store, r.path, map[string]Room{})
	if doc == nil {
		doc = map[string]Room{}
	}
	return doc, res
}

// Get returns the configuration of roomID.
func (r *Registry) Get(ctx context.Context, roomID string) (Room, bool) {
	room, ok := r.All(ctx)[roomID]
	return room, ok
}

// SetChannel points roomID's alerts at channelID, creating the room entry
// with default filters if needed.
func (r *Registry) SetChannel(ctx context.Context, roomID, channelID string) (Room, error) {
	return r.update(ctx, roomID, func(room *Room) {
		room.ChannelID = channelID
	})
}

// SetFilters replaces roomID's keyword filters.
func (r *Registry) SetFilters(ctx context.Context, roomID string, filters []string) (Room, error) {
	cleaned := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	return r.update(ctx, roomID, func(room *Room) {
		room.Filters = cleaned
	})
}

func (r *Registry) update(ctx context.Context, roomID string, fn func(*Room)) (Room, error) {
	if roomID == "" {
		return Room{}, fmt.Errorf("room id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, res := r.load(ctx)
	if !res.Writable() {
		return Room{}, fmt.Errorf("loading room config: %w", res.Err)
	}
	room, ok := doc[roomID]
	if !ok {
		room = Room{
			Filters:  append([]string(nil), r.defaults.Filters...),
			Language: r.defaults.Language,
		}
	}
	fn(&room)
	doc[roomID] = room

	if res := r.store.Save(ctx, r.path, doc); !res.OK() {
		return Room{}, fmt.Errorf("saving room config: %w", res.Err)
	}
	r.logger.Info("room configuration saved", "room", roomID, "channel", room.ChannelID)
	return room, nil
}

// Targets returns every room with an alert channel, sorted by room id.
func (r *Registry) Targets(ctx context.Context) []Target {
	doc := r.All(ctx)
	out := make([]Target, 0, len(doc))
	for id, room := range doc {
		if room.ChannelID == "" {
			continue
		}
		out = append(out, Target{RoomID: id, Room: room})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
