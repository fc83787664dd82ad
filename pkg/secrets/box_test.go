package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox("s3cret")
	require.NoError(t, err)

	enc, err := box.Encrypt("hcloud-token")
	require.NoError(t, err)
	assert.NotContains(t, enc, "hcloud-token")

	dec, err := box.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hcloud-token", dec)
}

func TestBox_WrongKey(t *testing.T) {
	a, _ := NewBox("one")
	b, _ := NewBox("two")

	enc, err := a.Encrypt("value")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}

func TestBox_Malformed(t *testing.T) {
	box, _ := NewBox("k")

	_, err := box.Decrypt("!!not-base64!!")
	assert.Error(t, err)

	_, err = box.Decrypt("YWJj")
	assert.ErrorContains(t, err, "too short")
}

func TestNewBox_EmptyKey(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "****5678", Mask("12345678"))
}
