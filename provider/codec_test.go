package provider

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func testEntry(value interface{}) *types.CacheEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.CacheEntry{
		Key:       "codec:key",
		Value:     value,
		Tags:      []string{"t1"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestCodecRoundTripSmall(t *testing.T) {
	codec := newEntryCodec(0)

	data, err := codec.Encode(testEntry("small value"))
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "codec:key", decoded.Key)
	assert.Equal(t, "small value", decoded.Value)
	assert.Equal(t, []string{"t1"}, decoded.Tags)

	// Under the threshold the envelope carries the body uncompressed.
	var env envelope
	require.NoError(t, utils.Unmarshal(data, &env))
	assert.False(t, env.Compressed)
}

func TestCodecCompressesLargePayloads(t *testing.T) {
	codec := newEntryCodec(128)

	// Highly repetitive payload, well over the threshold.
	value := strings.Repeat("abcdefgh", 1024)
	data, err := codec.Encode(testEntry(value))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, utils.Unmarshal(data, &env))
	assert.True(t, env.Compressed)
	assert.Less(t, len(env.Body), len(value))

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, value, decoded.Value)
}

func TestCodecDefaultThreshold(t *testing.T) {
	assert.Equal(t, DefaultCompressionThreshold, newEntryCodec(0).threshold)
	assert.Equal(t, DefaultCompressionThreshold, newEntryCodec(-1).threshold)
	assert.Equal(t, 256, newEntryCodec(256).threshold)
}

func TestCodecDecodeBadData(t *testing.T) {
	codec := newEntryCodec(0)

	_, err := codec.Decode([]byte("not an envelope"))
	assert.ErrorIs(t, err, types.ErrProviderBadEntry)

	// A valid envelope whose compressed body is garbage.
	raw, merr := utils.Marshal(envelope{Compressed: true, Body: []byte("junk")})
	require.NoError(t, merr)
	_, err = codec.Decode(raw)
	assert.ErrorIs(t, err, types.ErrProviderBadEntry)
}
