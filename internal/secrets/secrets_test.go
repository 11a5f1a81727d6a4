package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxSealOpen(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	sealed, err := box.Seal("postgres://tenant:pw@branch-1/db")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "branch-1")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "postgres://tenant:pw@branch-1/db", opened)
}

func TestBoxPassthrough(t *testing.T) {
	box, err := NewBox("")
	require.NoError(t, err)
	assert.False(t, box.Enabled())

	sealed, err := box.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	opened, err := box.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", opened)

	_, err = box.Open(sealedPrefix + "abc")
	assert.Error(t, err)
}

func TestBoxRejectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	box, _ := NewBox(key)
	sealed, err := box.Seal("value")
	require.NoError(t, err)

	otherKey, _ := GenerateKey()
	other, _ := NewBox(otherKey)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = box.Open(sealedPrefix + "!!")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewBoxBadKey(t *testing.T) {
	_, err := NewBox("c2hvcnQ=")
	assert.Error(t, err)
	_, err = NewBox("not base64 at all")
	assert.Error(t, err)
}
