// ABOUTME: Tests for the capability profile table
// ABOUTME: Covers lookup, parsing, and skill-based type inference

package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	p, ok := Lookup(TypeCoder)
	require.True(t, ok)
	assert.Equal(t, "Coder", p.Name)
	assert.True(t, p.HasSkill("code"))

	// Returned skills are a copy
	p.Skills[0] = "mutated"
	again, _ := Lookup(TypeCoder)
	assert.Equal(t, "code", again.Skills[0])

	_, ok = Lookup(Type("wizard"))
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	typ, err := Parse("tester")
	require.NoError(t, err)
	assert.Equal(t, TypeTester, typ)

	_, err = Parse("wizard")
	assert.Error(t, err)
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		want     Type
		ok       bool
	}{
		{"single coder skill", []string{"refactor"}, TypeCoder, true},
		{"full coverage beats partial", []string{"code", "test"}, TypeGeneralist, true},
		{"smaller profile wins equal coverage", []string{"code"}, TypeCoder, true},
		{"devops", []string{"deploy", "monitor"}, TypeDevOps, true},
		{"no overlap", []string{"juggling"}, "", false},
		{"empty", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Infer(tt.required)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllIsStable(t *testing.T) {
	all := All()
	require.Len(t, all, 6)
	assert.Equal(t, TypeCoder, all[0].Type)
	assert.Equal(t, TypeGeneralist, all[len(all)-1].Type)
}
