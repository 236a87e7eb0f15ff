package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/companion/internal/memory"
)

func TestExtractNickname(t *testing.T) {
	tests := []struct {
		name    string
		content []string
		want    string
	}{
		{"english name", []string{"My name is Alice and I like tennis"}, "Alice"},
		{"call me", []string{"Please call me Bob."}, "Bob"},
		{"name field", []string{"name: Carol"}, "Carol"},
		{"chinese name field", []string{"用户的名字是小明，喜欢打球"}, "小明"},
		{"chinese called", []string{"他叫王小二。"}, "王小二"},
		{"chinese likes", []string{"小红喜欢画画"}, "小红"},
		{"stop word rejected", []string{"名字是用户"}, DefaultNickname},
		{"first fragment wins", []string{"likes cats", "My name is Dana", "My name is Eve"}, "Dana"},
		{"nothing found", []string{"likes tennis"}, DefaultNickname},
		{"empty", nil, DefaultNickname},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frags []memory.Fragment
			for _, c := range tt.content {
				frags = append(frags, memory.Fragment{Content: c, Type: memory.TypeProfile})
			}
			assert.Equal(t, tt.want, ExtractNickname(frags))
		})
	}
}

func TestExtractNickname_IgnoresEvents(t *testing.T) {
	frags := []memory.Fragment{{Content: "My name is Alice", Type: memory.TypeEvent}}
	assert.Equal(t, DefaultNickname, ExtractNickname(frags))
}
