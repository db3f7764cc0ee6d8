package provider

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const DefaultCompressionThreshold = 4 * 1024

// envelope wraps a serialized entry for out-of-process tiers. Payloads over
// the threshold are brotli-compressed before hitting the wire or disk.
type envelope struct {
	Compressed bool   `json:"c"`
	Body       []byte `json:"b"`
}

type entryCodec struct {
	threshold int
}

func newEntryCodec(threshold int) *entryCodec {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &entryCodec{threshold: threshold}
}

func (c *entryCodec) Encode(entry *types.CacheEntry) ([]byte, error) {
	raw, err := utils.Marshal(entry)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal cache entry")
	}

	env := envelope{Body: raw}
	if len(raw) >= c.threshold {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(raw); err != nil {
			return nil, types.WrapError(err, "failed to compress cache entry")
		}
		if err := w.Close(); err != nil {
			return nil, types.WrapError(err, "failed to compress cache entry")
		}

		// Incompressible payloads stay uncompressed.
		if buf.Len() < len(raw) {
			env.Compressed = true
			env.Body = buf.Bytes()
		}
	}

	return utils.Marshal(env)
}

func (c *entryCodec) Decode(data []byte) (*types.CacheEntry, error) {
	var env envelope
	if err := utils.Unmarshal(data, &env); err != nil {
		return nil, types.Errorf(types.ErrProviderBadEntry, "envelope: %v", err)
	}

	body := env.Body
	if env.Compressed {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(env.Body)))
		if err != nil {
			return nil, types.Errorf(types.ErrProviderBadEntry, "decompress: %v", err)
		}
		body = decompressed
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(body, &entry); err != nil {
		return nil, types.Errorf(types.ErrProviderBadEntry, "entry: %v", err)
	}

	return &entry, nil
}
