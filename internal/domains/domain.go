// Package domains implements edit sessions: the Domain working copy, its
// persisted action journal and the process-wide Registry.
package domains

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"schemahub/internal/dispatch"
	"schemahub/internal/events"
	"schemahub/pkg/domain"
)

// KeySeparator joins the item paths of a domain key.
const KeySeparator = "|"

// Key derives the stable key of a governed item set.
func Key(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, KeySeparator)
}

// SplitKey returns the item paths of key.
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, KeySeparator)
}

// RowEvent reports an inserted, replaced or removed row.
type RowEvent struct {
	Domain  string
	Item    string
	Key     string
	Row     domain.Row
	Old     *domain.Row
	Removed bool
}

// PropertyEvent reports a changed schema property.
type PropertyEvent struct {
	Domain   string
	Item     string
	Property string
	Value    string
}

// DeletedEvent reports that a domain was torn down.
type DeletedEvent struct {
	Domain     string
	IsCanceled bool
}

// journal persists completed actions.
type journal interface {
	appendAction(ctx context.Context, id string, rec domain.DomainActionRecord) error
}

// Config describes a new Domain.
type Config struct {
	// ID is generated when empty.
	ID       string
	Kind     domain.DomainKind
	Items    []string
	ItemType string
	DataBase string
	Actor    string
	Created  domain.SignatureDate
	Base     *domain.Dataset
	Now      func() time.Time
}

// Domain is an edit session's working copy and change tracking. Mutations
// and event subscriptions must run on the owner dispatcher.
type Domain struct {
	id       string
	kind     domain.DomainKind
	key      string
	itemType string
	database string
	actor    string
	created  domain.SignatureDate
	owner    *dispatch.Dispatcher
	now      func() time.Time

	base     *domain.Dataset
	working  *domain.Dataset
	modified map[string]struct{}
	seq      int64
	journal  journal
	closed   bool

	RowChanged      *events.Channel[RowEvent]
	PropertyChanged *events.Channel[PropertyEvent]
	Deleted         *events.Channel[DeletedEvent]
}

// New creates a Domain seeded with a copy of cfg.Base.
func New(owner *dispatch.Dispatcher, cfg Config) (*Domain, error) {
	if len(cfg.Items) == 0 {
		return nil, domain.ValidationFailed("new domain", "", "no governed items")
	}
	base, err := cfg.Base.Clone()
	if err != nil {
		return nil, domain.Unexpected("new domain", err)
	}
	working, err := base.Clone()
	if err != nil {
		return nil, domain.Unexpected("new domain", err)
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Domain{
		id:              id,
		kind:            cfg.Kind,
		key:             Key(cfg.Items),
		itemType:        cfg.ItemType,
		database:        cfg.DataBase,
		actor:           cfg.Actor,
		created:         cfg.Created,
		owner:           owner,
		now:             now,
		base:            base,
		working:         working,
		modified:        make(map[string]struct{}),
		RowChanged:      events.NewChannel[RowEvent](owner),
		PropertyChanged: events.NewChannel[PropertyEvent](owner),
		Deleted:         events.NewChannel[DeletedEvent](owner),
	}, nil
}

func (d *Domain) ID() string { return d.id }
func (d *Domain) Kind() domain.DomainKind { return d.kind }
func (d *Domain) Key() string { return d.key }
func (d *Domain) Items() []string { return SplitKey(d.key) }
func (d *Domain) ItemType() string { return d.itemType }
func (d *Domain) DataBase() string { return d.database }
func (d *Domain) Actor() string { return d.actor }
func (d *Domain) Created() domain.SignatureDate { return d.created }
func (d *Domain) Closed() bool { return d.closed }

// Working returns the working copy. Callers must not mutate it.
func (d *Domain) Working() *domain.Dataset { return d.working }

// Base returns the dataset the session started from.
func (d *Domain) Base() *domain.Dataset { return d.base }

// Modified lists the names of modified items in sorted order.
func (d *Domain) Modified() []string {
	out := make([]string, 0, len(d.modified))
	for name := range d.modified {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsModified reports whether item was changed by the session.
func (d *Domain) IsModified(item string) bool {
	_, ok := d.modified[item]
	return ok
}

// MarkModified flags item as changed without an action, for derived
// changes computed when the session ends.
func (d *Domain) MarkModified(item string) {
	d.modified[item] = struct{}{}
}

// Record returns the persisted form of the session without its actions.
func (d *Domain) Record() domain.DomainRecord {
	return domain.DomainRecord{
		ID:       d.id,
		Kind:     d.kind,
		DataBase: d.database,
		ItemPath: d.key,
		ItemType: d.itemType,
		Actor:    d.actor,
		Created:  d.created,
		Base:     d.base,
	}
}

// Apply runs a against a copy of the working copy, journals it and then
// swaps the copy in and raises the action's events.
func (d *Domain) Apply(ctx context.Context, actor string, a Action) error {
	if err := d.owner.VerifyAccess(ctx); err != nil {
		return domain.Unexpected("apply", err)
	}
	if d.closed {
		return domain.Conflictf("apply", d.key, "session %s is closed", d.id)
	}
	next, err := d.working.Clone()
	if err != nil {
		return domain.Unexpected("apply", err)
	}
	raised, err := a.apply(d.kind, next)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return domain.Unexpected("apply", err)
	}
	rec := domain.DomainActionRecord{Seq: d.seq + 1, Actor: actor, At: d.now().UTC(), Payload: payload}
	if d.journal != nil {
		if err := d.journal.appendAction(ctx, d.id, rec); err != nil {
			return domain.StoreFailure("apply", err)
		}
	}
	d.working = next
	d.seq = rec.Seq
	d.modified[a.Item] = struct{}{}
	return d.publish(ctx, raised)
}

func (d *Domain) publish(ctx context.Context, raised []any) error {
	for _, ev := range raised {
		var err error
		switch e := ev.(type) {
		case RowEvent:
			e.Domain = d.id
			err = d.RowChanged.Publish(ctx, e)
		case PropertyEvent:
			e.Domain = d.id
			err = d.PropertyChanged.Publish(ctx, e)
		}
		if err != nil {
			return domain.Unexpected("publish", err)
		}
	}
	return nil
}

// replay re-applies journaled actions without raising events.
func (d *Domain) replay(actions []domain.DomainActionRecord) error {
	for _, rec := range actions {
		var a Action
		if err := json.Unmarshal(rec.Payload, &a); err != nil {
			return fmt.Errorf("decode action %d: %w", rec.Seq, err)
		}
		if _, err := a.apply(d.kind, d.working); err != nil {
			return fmt.Errorf("replay action %d (%s): %w", rec.Seq, a, err)
		}
		d.modified[a.Item] = struct{}{}
		d.seq = rec.Seq
	}
	return nil
}

// close marks the domain closed and raises Deleted once.
func (d *Domain) close(ctx context.Context, isCanceled bool) error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.Deleted.Publish(ctx, DeletedEvent{Domain: d.id, IsCanceled: isCanceled})
}
