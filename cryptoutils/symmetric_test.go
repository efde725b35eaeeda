package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)

	nonce, ct, err := SealAESGCM(key, []byte("lab result"), []byte("aad"))
	require.NoError(t, err)

	pt, err := OpenAESGCM(key, nonce, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("lab result"), pt)

	_, err = OpenAESGCM(key, nonce, ct, []byte("other"))
	assert.Error(t, err, "aad is authenticated")

	_, _, err = SealAESGCM([]byte("short"), []byte("x"), nil)
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("secret"), []byte("id-1"))
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"), []byte("id-1"))
	require.NoError(t, err)
	c, err := DeriveKey([]byte("secret"), []byte("id-2"))
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestInsecureLocalCipher(t *testing.T) {
	_, err := NewInsecureLocalCipher("")
	require.Error(t, err)

	c1, err := NewInsecureLocalCipher("dev-passphrase")
	require.NoError(t, err)
	c2, err := NewInsecureLocalCipher("dev-passphrase")
	require.NoError(t, err)

	nonce, ct, err := c1.Seal([]byte("secret"), nil)
	require.NoError(t, err)

	pt, err := c2.Open(nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
