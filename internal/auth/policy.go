package auth

import (
	"strings"
	"sync"

	"schemahub/pkg/domain"
)

// Subject selectors understood by Rule.Subject besides a literal actor ID.
const (
	SubjectAnyone        = "*"
	SubjectAuthorityPref = "authority:"
)

// Rule grants an access level on a path subtree. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	// Path is an item or category path; "*" matches everything. A category
	// path (ending in "/") covers its subtree.
	Path    string
	Subject string
	Access  domain.AccessType
}

func (r Rule) matchesPath(path string) bool {
	if r.Path == "*" || r.Path == path {
		return true
	}
	return strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path)
}

func (r Rule) matchesSubject(actor *Authentication) bool {
	switch {
	case r.Subject == SubjectAnyone:
		return true
	case strings.HasPrefix(r.Subject, SubjectAuthorityPref):
		return string(actor.Authority) == strings.TrimPrefix(r.Subject, SubjectAuthorityPref)
	default:
		return r.Subject == actor.ID
	}
}

// Policy is the access-control gate.
type Policy struct {
	mu       sync.RWMutex
	defaults map[Authority]domain.AccessType
	rules    []Rule
}

// DefaultAccess is the level each authority holds when no rule matches.
func DefaultAccess() map[Authority]domain.AccessType {
	return map[Authority]domain.AccessType{
		AuthoritySystem: domain.AccessOwner,
		AuthorityAdmin:  domain.AccessOwner,
		AuthorityUser:   domain.AccessMaster,
		AuthorityGuest:  domain.AccessGuest,
	}
}

// NewPolicy returns a policy with the given defaults (DefaultAccess when nil).
func NewPolicy(defaults map[Authority]domain.AccessType, rules ...Rule) *Policy {
	if defaults == nil {
		defaults = DefaultAccess()
	}
	p := &Policy{defaults: make(map[Authority]domain.AccessType, len(defaults))}
	for k, v := range defaults {
		p.defaults[k] = v
	}
	p.rules = append(p.rules, rules...)
	return p
}

// AddRule appends a rule.
func (p *Policy) AddRule(r Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, r)
}

// AccessOf returns the level actor holds on path.
func (p *Policy) AccessOf(actor *Authentication, path string) domain.AccessType {
	if actor == nil {
		return domain.AccessNone
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.rules {
		if r.matchesPath(path) && r.matchesSubject(actor) {
			return r.Access
		}
	}
	return p.defaults[actor.Authority]
}

// ValidateAccessType fails with PermissionDenied unless actor holds required on path.
func (p *Policy) ValidateAccessType(actor *Authentication, path string, required domain.AccessType) error {
	if p.AccessOf(actor, path).Includes(required) {
		return nil
	}
	return domain.PermissionDenied("validate access", path, actor.String(), required)
}
