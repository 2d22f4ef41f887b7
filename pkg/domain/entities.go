// Package domain defines the shared value types, persisted records, error
// taxonomy and rule evaluation primitives used by schemahub.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind identifies the kind of schema entity a change or notification refers to.
type EntityKind string

// Supported entity kinds used in Change records, locks and notifications.
const (
	// EntityTableCategory identifies a namespace node of the table tree.
	EntityTableCategory EntityKind = "table_category"
	// EntityTypeCategory identifies a namespace node of the type tree.
	EntityTypeCategory EntityKind = "type_category"
	// EntityTable identifies a table (content and template facets).
	EntityTable EntityKind = "table"
	// EntityType identifies a type definition.
	EntityType EntityKind = "type"
)

// AccessType is the access level an actor holds on an entity. Levels are
// ordered; a higher level includes every lower one.
type AccessType int

// Access levels from weakest to strongest.
const (
	AccessNone AccessType = iota
	AccessGuest
	AccessDeveloper
	AccessMaster
	AccessOwner
)

var accessNames = map[AccessType]string{
	AccessNone:      "none",
	AccessGuest:     "guest",
	AccessDeveloper: "developer",
	AccessMaster:    "master",
	AccessOwner:     "owner",
}

func (a AccessType) String() string {
	if name, ok := accessNames[a]; ok {
		return name
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// Includes reports whether a grants at least the required level.
func (a AccessType) Includes(required AccessType) bool {
	return a >= required
}

// ParseAccessType converts a configuration string into an AccessType.
func ParseAccessType(s string) (AccessType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for level, name := range accessNames {
		if name == key {
			return level, nil
		}
	}
	return AccessNone, fmt.Errorf("unknown access type %q", s)
}

// MarshalText encodes the access level by name.
func (a AccessType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an access level from its name.
func (a *AccessType) UnmarshalText(text []byte) error {
	level, err := ParseAccessType(string(text))
	if err != nil {
		return err
	}
	*a = level
	return nil
}

// EntityState is the editing flag carried by every editable entity facet.
type EntityState string

// Entity states.
const (
	StateNone        EntityState = "none"
	StateBeingEdited EntityState = "being_edited"
	StateBeingSetup  EntityState = "being_setup"
)

// IsEditing reports whether the state belongs to an active session.
func (s EntityState) IsEditing() bool {
	return s == StateBeingEdited || s == StateBeingSetup
}

// SignatureDate is the immutable proof-of-action record produced once per
// committed action.
type SignatureDate struct {
	ID        string    `json:"id"`
	DateTime  time.Time `json:"date_time"`
	Signature string    `json:"signature,omitempty"`
}

// IsZero reports whether the record was never signed.
func (s SignatureDate) IsZero() bool {
	return s.ID == "" && s.DateTime.IsZero()
}

func (s SignatureDate) String() string {
	if s.IsZero() {
		return "(unsigned)"
	}
	return fmt.Sprintf("%s@%s", s.ID, s.DateTime.UTC().Format(time.RFC3339))
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks the end of an edit session.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows the commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// ParseSeverity converts a configuration string into a Severity, defaulting to block.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityLog:
		return SeverityLog
	default:
		return SeverityBlock
	}
}

// Change describes a mutation of one entity proposed by an edit session.
type Change struct {
	Entity EntityKind
	Action Action
	Path   string
	Before ChangePayload
	After  ChangePayload
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the structural and content modifications.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRename Action = "rename"
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityKind `json:"entity,omitempty"`
	Path     string     `json:"path,omitempty"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Rule, v.Message, v.Path)
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Blocking returns only the blocking violations.
func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}
