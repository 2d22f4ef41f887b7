package memory

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Snapshot sections. Durable drivers store each one as its own row.
const (
	SectionHead    = "head"
	SectionCommits = "commits"
	SectionLocks   = "locks"
	SectionDomains = "domains"
)

// Sections lists every section in write order.
var Sections = []string{SectionHead, SectionCommits, SectionLocks, SectionDomains}

func (s *Snapshot) section(name string) any {
	switch name {
	case SectionHead:
		return &s.Head
	case SectionCommits:
		return &s.Commits
	case SectionLocks:
		return &s.Locks
	case SectionDomains:
		return &s.Domains
	}
	return nil
}

// DecodeSection fills the named section of s from body. Unknown sections and
// empty bodies are ignored and reported as not applied.
func DecodeSection(s *Snapshot, name string, body []byte) (bool, error) {
	target := s.section(name)
	if target == nil || len(body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// SectionWriter remembers what was last persisted so drivers only rewrite
// sections whose encoding changed.
type SectionWriter struct {
	written map[string][]byte
}

// Dirty encodes s and returns the sections that differ from the last
// Settle'd state, in write order.
func (w *SectionWriter) Dirty(s Snapshot) ([]string, map[string][]byte, error) {
	var names []string
	bodies := make(map[string][]byte, len(Sections))
	for _, name := range Sections {
		body, err := json.Marshal(s.section(name))
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", name, err)
		}
		if prev, ok := w.written[name]; ok && bytes.Equal(prev, body) {
			continue
		}
		names = append(names, name)
		bodies[name] = body
	}
	return names, bodies, nil
}

// Settle records bodies as durably written.
func (w *SectionWriter) Settle(bodies map[string][]byte) {
	if w.written == nil {
		w.written = make(map[string][]byte, len(Sections))
	}
	for name, body := range bodies {
		w.written[name] = body
	}
}
