package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseApiKeys(t *testing.T) {
	keys, err := parseApiKeys([]string{"alice=k1", " bob = k2 ", ""})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "alice", "k2": "bob"}, keys)

	for _, bad := range []string{"alice", "=k1", "alice="} {
		_, err = parseApiKeys([]string{bad})
		assert.Error(t, err, bad)
	}
}
