package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"schemahub/pkg/domain"
)

// Kind names a notification.
type Kind string

// Notification kinds.
const (
	KindCreated        Kind = "created"
	KindRenamed        Kind = "renamed"
	KindMoved          Kind = "moved"
	KindDeleted        Kind = "deleted"
	KindInherited      Kind = "inherited"
	KindContentChanged Kind = "content_changed"
	KindStateChanged   Kind = "state_changed"
	KindEditBegun      Kind = "edit_begun"
	KindEditEnded      Kind = "edit_ended"
	KindEditCanceled   Kind = "edit_canceled"
)

// Item identifies one affected entity.
type Item struct {
	Kind    domain.EntityKind  `json:"kind"`
	Path    string             `json:"path"`
	OldPath string             `json:"old_path,omitempty"`
	Name    string             `json:"name,omitempty"`
	OldName string             `json:"old_name,omitempty"`
	State   domain.EntityState `json:"state,omitempty"`
}

// Notification is the tuple handed to sinks.
type Notification struct {
	Kind       Kind                 `json:"kind"`
	DataBase   string               `json:"database"`
	Actor      string               `json:"actor"`
	Items      []Item               `json:"items"`
	Signature  domain.SignatureDate `json:"signature"`
	Patch      json.RawMessage      `json:"patch,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Paths lists the item paths of the notification.
func (n Notification) Paths() []string {
	out := make([]string, 0, len(n.Items))
	for _, it := range n.Items {
		out = append(out, it.Path)
	}
	return out
}

// MergePatch returns the RFC 7386 merge patch turning before into after.
func MergePatch(before, after any) (json.RawMessage, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("encode before: %w", err)
	}
	b, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("encode after: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	return patch, nil
}

// Sink receives notifications. Delivery is fire-and-forget.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Fanout delivers to each sink in order.
type Fanout []Sink

// Notify delivers n to every sink.
func (f Fanout) Notify(ctx context.Context, n Notification) {
	for _, s := range f {
		if s != nil {
			s.Notify(ctx, n)
		}
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Kinds returns the recorded kinds in delivery order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, n := range r.got {
		if n.Kind == kind {
			c++
		}
	}
	return c
}

// Reset drops the recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

// LogSink writes notifications to a zap logger at debug level.
type LogSink struct {
	Log *zap.SugaredLogger
}

// Notify logs n.
func (s LogSink) Notify(_ context.Context, n Notification) {
	if s.Log == nil {
		return
	}
	s.Log.Debugw("notification", "kind", n.Kind, "database", n.DataBase, "actor", n.Actor, "paths", n.Paths(), "signature", n.Signature.ID)
}
