// ABOUTME: Fixed table of agent capability profiles (agent types).
// ABOUTME: Each profile names its skill tags and the resources an agent of that type needs.

// Package profile holds the fixed agent-type table the registry deploys from.
package profile

import (
	"fmt"
	"slices"
)

// Type identifies a capability profile.
type Type string

const (
	TypeCoder      Type = "coder"
	TypeReviewer   Type = "reviewer"
	TypeTester     Type = "tester"
	TypeResearcher Type = "researcher"
	TypeDevOps     Type = "devops"
	TypeGeneralist Type = "generalist"
)

// Resources is the allocation an agent of a profile requires.
type Resources struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int     `json:"memory_mb"`
}

// Profile is a named bundle of skill tags and resource requirements.
type Profile struct {
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	Skills    []string  `json:"skills"`
	Resources Resources `json:"resources"`
}

// profiles is ordered; Infer breaks ties by this order.
var profiles = []Profile{
	{
		Type:      TypeCoder,
		Name:      "Coder",
		Skills:    []string{"code", "refactor", "debug", "implement"},
		Resources: Resources{CPU: 2, MemoryMB: 4096},
	},
	{
		Type:      TypeReviewer,
		Name:      "Reviewer",
		Skills:    []string{"review", "lint", "security-audit"},
		Resources: Resources{CPU: 1, MemoryMB: 2048},
	},
	{
		Type:      TypeTester,
		Name:      "Tester",
		Skills:    []string{"test", "coverage", "e2e"},
		Resources: Resources{CPU: 2, MemoryMB: 3072},
	},
	{
		Type:      TypeResearcher,
		Name:      "Researcher",
		Skills:    []string{"research", "analyze", "document"},
		Resources: Resources{CPU: 1, MemoryMB: 2048},
	},
	{
		Type:      TypeDevOps,
		Name:      "DevOps",
		Skills:    []string{"deploy", "infrastructure", "monitor"},
		Resources: Resources{CPU: 1, MemoryMB: 1024},
	},
	{
		Type:      TypeGeneralist,
		Name:      "Generalist",
		Skills:    []string{"code", "test", "review", "document", "analyze"},
		Resources: Resources{CPU: 2, MemoryMB: 4096},
	},
}

var byType = func() map[Type]Profile {
	m := make(map[Type]Profile, len(profiles))
	for _, p := range profiles {
		m[p.Type] = p
	}
	return m
}()

// All returns a copy of every known profile in table order.
func All() []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.clone()
	}
	return out
}

// Lookup returns the profile for t.
func Lookup(t Type) (Profile, bool) {
	p, ok := byType[t]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Parse converts a string into a known Type.
func Parse(s string) (Type, error) {
	t := Type(s)
	if _, ok := byType[t]; !ok {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// Valid reports whether t names a known profile.
func (t Type) Valid() bool {
	_, ok := byType[t]
	return ok
}

// HasSkill reports whether the profile carries skill.
func (p Profile) HasSkill(skill string) bool {
	return slices.Contains(p.Skills, skill)
}

// Overlap counts how many of required the profile covers.
func (p Profile) Overlap(required []string) int {
	n := 0
	for _, s := range required {
		if p.HasSkill(s) {
			n++
		}
	}
	return n
}

// Infer picks the profile best suited to required: full coverage first, then
// the largest overlap, then the smallest skill set. Returns false if no
// profile covers any of the required skills.
func Infer(required []string) (Type, bool) {
	var best Profile
	bestOverlap := 0
	bestFull := false
	for _, p := range profiles {
		n := p.Overlap(required)
		if n == 0 {
			continue
		}
		full := n == len(required)
		switch {
		case bestOverlap == 0,
			full && !bestFull,
			full == bestFull && n > bestOverlap,
			full == bestFull && n == bestOverlap && len(p.Skills) < len(best.Skills):
			best, bestOverlap, bestFull = p, n, full
		}
	}
	if bestOverlap == 0 {
		return "", false
	}
	return best.Type, true
}

func (p Profile) clone() Profile {
	p.Skills = slices.Clone(p.Skills)
	return p
}
