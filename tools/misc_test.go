package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidAddress(t *testing.T) {
	for addr, want := range map[string]bool{
		"a@example.com":          true,
		"first.last@sub.example": true,
		"quoted\"@x@example.com": true,
		"":                       false,
		"example.com":            false,
		"@example.com":           false,
		"a@":                     false,
		"a b@example.com":        false,
	} {
		assert.Equal(t, want, ValidAddress(addr), addr)
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain, err := SplitAddress("quoted\"@x@Example.COM")
	assert.NoError(t, err)
	assert.Equal(t, "quoted\"@x", local)
	assert.Equal(t, "Example.COM", domain)

	_, _, err = SplitAddress("nobody")
	assert.Error(t, err)
}
