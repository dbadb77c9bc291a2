// Package access models the section tree that groups the fleet and decides
// which identities may operate inside a section.
//
// A section restricts access by listing allowed users. Restrictions are not
// inherited in the usual sense: the check walks the section path from the
// deepest section up to the top and the first section that declares a list
// decides. A path with no list anywhere is open to everyone.
package access

import (
	"errors"
	"slices"
)

var ErrAccessDenied = errors.New("access denied")

// Section is a node of the tree. Sections without subsections are leaves and
// own a host inventory file.
type Section struct {
	Name         string    `yaml:"name" json:"name" bson:"name" validate:"required"`
	Sections     []Section `yaml:"sections,omitempty" json:"sections,omitempty" bson:"sections,omitempty" validate:"dive"`
	AllowedUsers []string  `yaml:"allowed_users,omitempty" json:"allowed_users,omitempty" bson:"allowed_users,omitempty"`
}

func (s *Section) IsLeaf() bool { return len(s.Sections) == 0 }

func (s *Section) restricts() bool { return len(s.AllowedUsers) > 0 }

func (s *Section) allows(identity string) bool {
	return slices.Contains(s.AllowedUsers, identity)
}

// Policy is the read-only view of the configured tree plus the global
// administrator list.
type Policy struct {
	admins    []string
	structure []Section
}

func NewPolicy(admins []string, structure []Section) *Policy {
	return &Policy{admins: admins, structure: structure}
}

func (p *Policy) IsAdmin(identity string) bool {
	return slices.Contains(p.admins, identity)
}

// IsAuthorized reports whether identity may operate in the section at path.
func (p *Policy) IsAuthorized(identity string, path []string) bool {
	if p.IsAdmin(identity) {
		return true
	}
	for depth := len(path); depth > 0; depth-- {
		section, ok := p.Lookup(path[:depth])
		if !ok || !section.restricts() {
			continue
		}
		return section.allows(identity)
	}
	return true
}

// Authorize is IsAuthorized returning ErrAccessDenied on refusal.
func (p *Policy) Authorize(identity string, path []string) error {
	if !p.IsAuthorized(identity, path) {
		return ErrAccessDenied
	}
	return nil
}

// Lookup resolves a full path, from the top level down, to its section.
func (p *Policy) Lookup(path []string) (*Section, bool) {
	if len(path) == 0 {
		return nil, false
	}
	level := p.structure
	var found *Section
	for _, name := range path {
		found = nil
		for i := range level {
			if level[i].Name == name {
				found = &level[i]
				break
			}
		}
		if found == nil {
			return nil, false
		}
		level = found.Sections
	}
	return found, true
}

// Children returns the direct subsections of path; the empty path yields the
// top level.
func (p *Policy) Children(path []string) []Section {
	if len(path) == 0 {
		return p.structure
	}
	section, ok := p.Lookup(path)
	if !ok {
		return nil
	}
	return section.Sections
}

// IsLeaf reports whether path names an existing section without subsections.
func (p *Policy) IsLeaf(path []string) bool {
	section, ok := p.Lookup(path)
	return ok && section.IsLeaf()
}

// WalkFunc receives each section with its full path. The path slice is
// reused between calls; copy it to keep it.
type WalkFunc func(path []string, section *Section) error

// Walk visits every section depth-first, parents before children, in
// declaration order. Returning an error stops the walk.
func (p *Policy) Walk(fn WalkFunc) error {
	return walk(p.structure, nil, fn)
}

func walk(level []Section, path []string, fn WalkFunc) error {
	for i := range level {
		current := append(path, level[i].Name)
		if err := fn(current, &level[i]); err != nil {
			return err
		}
		if err := walk(level[i].Sections, current, fn); err != nil {
			return err
		}
	}
	return nil
}
