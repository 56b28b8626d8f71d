package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassphraseBetweenInstances(t *testing.T) {
	alice, err := NewPassphrase("correct horse")
	require.NoError(t, err)
	bob, err := NewPassphrase("correct horse")
	require.NoError(t, err)

	sealed, err := alice.Encrypt([]byte("Hello there!"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Hello there!")

	plain, err := bob.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello there!"), plain)

	again, err := alice.Encrypt([]byte("Hello there!"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestPassphraseWrongKey(t *testing.T) {
	alice, err := NewPassphrase("one")
	require.NoError(t, err)
	eve, err := NewPassphrase("two")
	require.NoError(t, err)

	sealed, err := alice.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = eve.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = eve.Decrypt(sealed[:10])
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestBoxPair(t *testing.T) {
	alicePub, alicePriv, err := GenerateBoxKeys()
	require.NoError(t, err)
	bobPub, bobPriv, err := GenerateBoxKeys()
	require.NoError(t, err)

	toBob := NewBox(alicePriv, bobPub)
	atBob := NewBox(bobPriv, alicePub)

	sealed, err := toBob.Encrypt([]byte("It's working!"))
	require.NoError(t, err)

	plain, err := atBob.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("It's working!"), plain)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = atBob.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = atBob.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortMessage)
}
