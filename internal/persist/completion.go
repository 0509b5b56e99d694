package persist

import (
	"encoding/base64"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

const (
	lzTag         = "lz:"
	compressAfter = 256
)

// Completion is the stored record of one chat completion. Text fields may
// carry the lz: codec; Encode and Decode convert between the two forms.
type Completion struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"systemPrompt"`
	ParamsJSON   string `json:"paramsJson"`
	TimingsJSON  string `json:"timingsJson"`
	APIModel     int    `json:"apiModel"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Encode compresses the payload text fields for the wire. The title stays
// plain so listings can show it.
func (c Completion) Encode() Completion {
	c.Prompt = Compress(c.Prompt)
	c.SystemPrompt = Compress(c.SystemPrompt)
	c.ParamsJSON = Compress(c.ParamsJSON)
	c.TimingsJSON = Compress(c.TimingsJSON)
	return c
}

// Decode expands any compressed text fields.
func (c Completion) Decode() Completion {
	c.Prompt = Decompress(c.Prompt)
	c.SystemPrompt = Decompress(c.SystemPrompt)
	c.ParamsJSON = Decompress(c.ParamsJSON)
	c.TimingsJSON = Decompress(c.TimingsJSON)
	return c
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Compress tags and compresses s when it is long enough. Tagged values are
// returned unchanged.
func Compress(s string) string {
	if strings.HasPrefix(s, lzTag) || utf8.RuneCountInString(s) < compressAfter {
		return s
	}
	enc, _, err := codec()
	if err != nil {
		return s
	}
	out := enc.EncodeAll([]byte(s), nil)
	return lzTag + base64.RawURLEncoding.EncodeToString(out)
}

// Decompress reverses Compress. Untagged or undecodable values come back
// as given.
func Decompress(s string) string {
	if !strings.HasPrefix(s, lzTag) {
		return s
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(lzTag):])
	if err != nil {
		return s
	}
	_, dec, err := codec()
	if err != nil {
		return s
	}
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return s
	}
	return string(out)
}
