package auth

import (
	"fmt"
	"strings"

	"schemahub/pkg/domain"
)

// Authority is the role class of an actor; it selects the default access level.
type Authority string

// Authorities.
const (
	AuthorityAdmin  Authority = "admin"
	AuthorityUser   Authority = "user"
	AuthorityGuest  Authority = "guest"
	AuthoritySystem Authority = "system"
)

// ParseAuthority converts a configuration string into an Authority.
func ParseAuthority(s string) (Authority, error) {
	switch a := Authority(strings.ToLower(strings.TrimSpace(s))); a {
	case AuthorityAdmin, AuthorityUser, AuthorityGuest, AuthoritySystem:
		return a, nil
	}
	return "", fmt.Errorf("unknown authority %q", s)
}

// Authentication is the credential an actor presents to every operation.
type Authentication struct {
	ID        string
	Name      string
	Authority Authority
	signer    *Signer
}

// Authenticate binds an actor identity to s.
func (s *Signer) Authenticate(id, name string, authority Authority) *Authentication {
	if name == "" {
		name = id
	}
	return &Authentication{ID: id, Name: name, Authority: authority, signer: s}
}

// System returns the credential used for work the server does on its own behalf.
func (s *Signer) System() *Authentication {
	return s.Authenticate("system", "system", AuthoritySystem)
}

// Sign produces the SignatureDate for action performed by a.
func (a *Authentication) Sign(action string) (domain.SignatureDate, error) {
	if a == nil || a.signer == nil {
		return domain.SignatureDate{}, fmt.Errorf("sign %s: actor has no signer", action)
	}
	return a.signer.Sign(a.ID, action)
}

func (a *Authentication) String() string {
	if a == nil {
		return "<anonymous>"
	}
	return a.Name
}
