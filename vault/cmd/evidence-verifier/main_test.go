package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/config"
)

func TestLedgerDSN(t *testing.T) {
	dsn, err := ledgerDSN(config.Config{LedgerDatabaseURL: "postgres://reader", DatabaseURL: "postgres://writer"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://reader", dsn)

	dsn, err = ledgerDSN(config.Config{DatabaseURL: "postgres://writer"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://writer", dsn)

	_, err = ledgerDSN(config.Config{NodeEnv: "production", DatabaseURL: "postgres://writer"})
	assert.Error(t, err)

	_, err = ledgerDSN(config.Config{})
	assert.Error(t, err)
}
