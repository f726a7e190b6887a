package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Skip(t *testing.T) {
	f, err := NewFilter(DefaultSkipPatterns)
	require.NoError(t, err)

	tests := []struct {
		name string
		want bool
	}{
		{"__MACOSX/", true},
		{"__MACOSX/._a.jpg", true},
		{"__MACOSX/deep/nested/file", true},
		{"._a.jpg", true},
		{"photos/._a.jpg", true},
		{"a.jpg", false},
		{"photos/a.jpg", false},
		{"photos/", false},
		{"not__MACOSX/a.jpg", false},
		{".hidden.jpg", false},
		{"./._a.jpg", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Skip(tt.name))
		})
	}
}

func TestNewFilter(t *testing.T) {
	f, err := NewFilter([]string{"", "  "})
	require.NoError(t, err)
	assert.False(t, f.Skip("anything"))

	_, err = NewFilter([]string{"[unterminated"})
	assert.Error(t, err)

	var nilFilter *Filter
	assert.False(t, nilFilter.Skip("._x"))
}
