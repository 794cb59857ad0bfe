package banner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetString(t *testing.T) {
	s := GetString()
	assert.Contains(t, s, `/____/\__/_/`)
	assert.True(t, len(s) > 2 && s[0] == '\n')
}
