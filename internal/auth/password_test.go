package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordService(t *testing.T) {
	p := NewPasswordServiceForTest(4)

	hash, err := p.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.NoError(t, p.Verify(hash, "correct horse battery staple"))
	assert.ErrorIs(t, p.Verify(hash, "wrong"), ErrInvalidPassword)
	assert.Error(t, p.Verify("not-a-bcrypt-hash", "x"))

	again, err := p.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")

	_, err = p.Hash(strings.Repeat("a", 73))
	assert.Error(t, err)
}

func TestNewPasswordService_DefaultCost(t *testing.T) {
	assert.Equal(t, 12, NewPasswordService().cost)
}
