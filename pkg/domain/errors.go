package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by containers, hosts and the repository.
type ErrorKind string

// Error kinds.
const (
	KindConflict         ErrorKind = "conflict"
	KindNotFound         ErrorKind = "not_found"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindValidation       ErrorKind = "validation_failure"
	KindStoreFailure     ErrorKind = "store_failure"
	KindUnexpected       ErrorKind = "unexpected"
)

// Sentinels for errors.Is checks against any *Error of the same kind.
var (
	ErrConflict         = &Error{Kind: KindConflict}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrStoreFailure     = &Error{Kind: KindStoreFailure}
	ErrUnexpected       = &Error{Kind: KindUnexpected}
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind       ErrorKind
	Op         string
	Path       string
	Message    string
	Err        error
	Violations []Violation
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		parts := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			parts = append(parts, v.String())
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so callers can write errors.Is(err, domain.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

// KindOf classifies err. Errors that carry no kind are unexpected.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// PathConflict reports that a colliding path already exists.
func PathConflict(op, path string) error {
	return &Error{Kind: KindConflict, Op: op, Path: path, Message: "path already exists"}
}

// AlreadyLocked reports that a path overlaps a lock held by another session.
func AlreadyLocked(op, path, lockedPath, owner string) error {
	return &Error{Kind: KindConflict, Op: op, Path: path, Message: fmt.Sprintf("overlaps lock %s held by %s", lockedPath, owner)}
}

// AlreadyEditing reports that an entity is already under edit.
func AlreadyEditing(op, path string) error {
	return &Error{Kind: KindConflict, Op: op, Path: path, Message: "already being edited"}
}

// Conflictf reports a conflict with a formatted message.
func Conflictf(op, path, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Path: path, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity or path.
func NotFound(op, path string) error {
	return &Error{Kind: KindNotFound, Op: op, Path: path, Message: "does not exist"}
}

// PermissionDenied reports that the actor lacks the required access level.
func PermissionDenied(op, path, actor string, required AccessType) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Path: path, Message: fmt.Sprintf("%s requires %s access", actor, required)}
}

// ValidationFailed reports a structural precondition violation.
func ValidationFailed(op, path, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Path: path, Message: fmt.Sprintf(format, args...)}
}

// RuleViolations reports blocking rule violations.
func RuleViolations(op, path string, res Result) error {
	return &Error{Kind: KindValidation, Op: op, Path: path, Message: "blocked by rules", Violations: res.Blocking()}
}

// StoreFailure wraps a failure of the repository mutate-or-commit step.
func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindStoreFailure, Op: op, Err: err}
}

// Unexpected wraps a programming or integrity failure.
func Unexpected(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindUnexpected, Op: op, Err: err}
}
