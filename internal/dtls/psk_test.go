package dtls

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPSKStoreRegister(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPSKStore(nil, nil)

	encoded, err := store.RegisterIdentity(ctx, " device-1 ", "test device")
	require.NoError(t, err)
	key, err := hex.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, key, DefaultPSKLength)

	got, err := store.LookupPSK(ctx, []byte("device-1"))
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, []string{"device-1"}, store.Identities())

	require.NoError(t, store.UnregisterIdentity(ctx, "device-1"))
	assert.ErrorIs(t, store.UnregisterIdentity(ctx, "device-1"), ErrUnknownIdentity)
	_, err = store.LookupPSK(ctx, []byte("device-1"))
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	_, err = store.RegisterIdentity(ctx, "  ", "")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestMemoryPSKStoreCopiesKeys(t *testing.T) {
	initial := []byte{0x01, 0x02}
	store := NewMemoryPSKStore(nil, map[string][]byte{"a": initial})
	initial[0] = 0xff

	got, err := store.LookupPSK(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)

	got[1] = 0xff
	again, err := store.LookupPSK(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, again)
}

func TestDecodePSK(t *testing.T) {
	key, err := DecodePSK(" 0a0b ")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, key)

	_, err = DecodePSK("")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = DecodePSK("zz")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "***", MaskKey("abcd"))
	assert.Equal(t, "0123...cdef", MaskKey("0123456789abcdef"))
}

func TestGeneratePSK(t *testing.T) {
	a, err := GeneratePSK(16)
	require.NoError(t, err)
	b, err := GeneratePSK(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)

	_, err = GeneratePSK(0)
	assert.Error(t, err)
}
