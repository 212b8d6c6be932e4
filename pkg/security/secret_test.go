package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	hashed, err := h.Hash("scheduler-service-key")
	require.NoError(t, err)

	assert.NoError(t, h.Compare(hashed, "scheduler-service-key"))
	assert.Error(t, h.Compare(hashed, "wrong-service-key-000"))

	_, err = h.Hash("short")
	assert.ErrorIs(t, err, ErrSecretTooShort)
}
