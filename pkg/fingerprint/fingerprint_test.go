package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf_StableAndContentSensitive(t *testing.T) {
	a := Of([]byte(`{"races":[]}`))
	assert.Equal(t, a, Of([]byte(`{"races":[]}`)))
	assert.NotEqual(t, a, Of([]byte(`{"races":[1]}`)))
	assert.Len(t, a, 34)
}

func TestMatches(t *testing.T) {
	tag := Of([]byte("ballot"))
	bare := tag[1 : len(tag)-1]

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"exact", tag, true},
		{"weak", "W/" + tag, true},
		{"unquoted", bare, true},
		{"list", `"stale", ` + tag, true},
		{"wildcard", "*", true},
		{"stale", `"deadbeef"`, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.header, tag))
		})
	}
	assert.False(t, Matches("*", ""))
}
