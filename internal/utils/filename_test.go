package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "movie name", SanitizeFilename(`movie: name?`))
	assert.Equal(t, "ab", SanitizeFilename(`a\b`))
	assert.Equal(t, "trailing", SanitizeFilename("trailing. "))
	assert.Equal(t, "plain.mkv", SanitizeFilename("plain.mkv"))
}
