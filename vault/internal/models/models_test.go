package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for _, s := range []string{"INGEST", "ACCESS", "TRANSFER", "EXPORT"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(a))
	}

	_, err := ParseAction("DELETE")
	assert.Error(t, err)
	_, err = ParseAction("ingest")
	assert.Error(t, err)
}
