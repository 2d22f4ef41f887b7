package domain

import (
	"context"
	"encoding/json"
	"time"
)

// FileChange summarizes how one repository file changed in a commit.
type FileChange struct {
	Path       string `json:"path"`
	Action     Action `json:"action"`
	Insertions int    `json:"insertions,omitempty"`
	Deletions  int    `json:"deletions,omitempty"`
}

// CommitRecord is one committed revision of the repository tree.
type CommitRecord struct {
	ID          string            `json:"id"`
	Parent      string            `json:"parent,omitempty"`
	Revision    int64             `json:"revision"`
	Actor       string            `json:"actor"`
	Message     string            `json:"message"`
	Properties  map[string]string `json:"properties,omitempty"`
	Signature   SignatureDate     `json:"signature"`
	Files       map[string]string `json:"files"`
	Dirs        []string          `json:"dirs"`
	Changes     []FileChange      `json:"changes,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
}

// LockRecord is a persisted exclusive lock on a repository path.
type LockRecord struct {
	Path     string    `json:"path"`
	Owner    string    `json:"owner"`
	Comment  string    `json:"comment,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

// DomainKind identifies which entity group an edit session governs.
type DomainKind string

// Domain kinds.
const (
	DomainTableContent  DomainKind = "table_content"
	DomainTableTemplate DomainKind = "table_template"
	DomainTypeTemplate  DomainKind = "type_template"
)

// DomainActionRecord is one completed mutation of an edit session.
type DomainActionRecord struct {
	Seq     int64           `json:"seq"`
	Actor   string          `json:"actor"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// DomainRecord is the persisted metadata of a live edit session.
type DomainRecord struct {
	ID       string               `json:"id"`
	Kind     DomainKind           `json:"kind"`
	DataBase string               `json:"database"`
	ItemPath string               `json:"item_path"`
	ItemType string               `json:"item_type"`
	Actor    string               `json:"actor"`
	Created  SignatureDate        `json:"created"`
	Base     *Dataset             `json:"base"`
	Actions  []DomainActionRecord `json:"actions,omitempty"`
}

// StateView provides read-only access to persisted repository state.
type StateView interface {
	Head() (CommitRecord, bool)
	FindCommit(id string) (CommitRecord, bool)
	ListCommits() []CommitRecord
	ListLocks() []LockRecord
	FindDomain(id string) (DomainRecord, bool)
	ListDomains() []DomainRecord
}

// StateTransaction exposes the mutations a state store applies atomically.
type StateTransaction interface {
	StateView
	AppendCommit(CommitRecord) error
	PutLock(LockRecord) error
	DeleteLock(path string) bool
	PutDomain(DomainRecord) error
	AppendDomainAction(id string, action DomainActionRecord) error
	DeleteDomain(id string) bool
}

// StateStore is the durable home of commits, locks and session journals.
type StateStore interface {
	RunInTransaction(ctx context.Context, fn func(StateTransaction) error) error
	View(ctx context.Context, fn func(StateView) error) error
	Close() error
}
