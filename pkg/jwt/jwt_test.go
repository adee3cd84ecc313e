package jwt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	tok, err := Generate("secreto", "op-1", RoleOperator, "fiscal-sri", 5)
	require.NoError(t, err)

	id, role, err := Parse("secreto", tok)
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, RoleOperator, role)
}

func TestParseFirmaIncorrecta(t *testing.T) {
	tok, err := Generate("secreto", "op-1", RoleAdmin, "fiscal-sri", 5)
	require.NoError(t, err)
	_, _, err = Parse("otro", tok)
	assert.Error(t, err)
}

func TestParseExpirado(t *testing.T) {
	tok, err := Generate("secreto", "op-1", RoleAdmin, "fiscal-sri", -1)
	require.NoError(t, err)
	_, _, err = Parse("secreto", tok)
	assert.Error(t, err)
}

func TestSecretVacio(t *testing.T) {
	_, err := Generate("", "op", RoleAdmin, "x", 1)
	assert.Error(t, err)
}
