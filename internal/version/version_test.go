package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.Equal(t, "westphalia", Codename())
	assert.Equal(t, "westphalia-0.1.0", Full())
	assert.True(t, strings.HasPrefix(Full(), Short()))
}
