package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestECIESRoundTrip(t *testing.T) {
	pub, priv, err := RandomP256Keypair()
	require.NoError(t, err)
	require.NoError(t, pub.Validate())

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "key share", data: make([]byte, KeySize)},
		{name: "json", data: []byte(`{"api_key":"sk-test"}`)},
		{name: "binary", data: []byte{0x00, 0x01, 0xFF, 0xFE}},
		{name: "long", data: make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptWithPublicKey(pub, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(encrypted), len(tc.data))

			decrypted, err := DecryptWithPrivateKey(priv, encrypted)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(decrypted))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, decrypted)
			}
		})
	}
}

func TestECIESWrongKey(t *testing.T) {
	pub, _, err := RandomP256Keypair()
	require.NoError(t, err)
	_, otherPriv, err := RandomP256Keypair()
	require.NoError(t, err)

	encrypted, err := EncryptWithPublicKey(pub, []byte("share"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPriv, encrypted)
	require.Error(t, err)
}

func TestECIESMalformedInput(t *testing.T) {
	_, err := EncryptWithPublicKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	_, err = DecryptWithPrivateKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	pub, priv, err := RandomP256Keypair()
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(priv, []byte{0x01})
	require.Error(t, err)

	_, err = DecryptWithPrivateKey(priv, make([]byte, 100))
	require.Error(t, err)

	encrypted, err := EncryptWithPublicKey(pub, []byte("share"))
	require.NoError(t, err)
	encrypted[len(encrypted)-1] ^= 0xff
	_, err = DecryptWithPrivateKey(priv, encrypted)
	require.Error(t, err, "tampered ciphertext must not authenticate")
}
