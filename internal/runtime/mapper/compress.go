package mapper

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/drblury/commandflow/internal/runtime/message"
)

// BagContentEncoding records how a body was compressed.
const BagContentEncoding = "content_encoding"

const zstdEncoding = "zstd"

// CompressTransform compresses bodies with zstd on the way out. Bodies that
// were not compressed pass through Unwrap unchanged.
type CompressTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	// MinSize leaves smaller bodies uncompressed.
	MinSize int
}

func NewCompressTransform(minSize int) (*CompressTransform, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compress transform: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compress transform: create decoder: %w", err)
	}
	return &CompressTransform{encoder: enc, decoder: dec, MinSize: minSize}, nil
}

func (c *CompressTransform) Wrap(_ context.Context, msg *message.Message) (*message.Message, error) {
	if len(msg.Body.Bytes) < c.MinSize {
		return msg, nil
	}
	out := msg.Clone()
	out.Body.Bytes = c.encoder.EncodeAll(msg.Body.Bytes, nil)
	out.Header.Bag[BagContentEncoding] = zstdEncoding
	return out, nil
}

func (c *CompressTransform) Unwrap(_ context.Context, msg *message.Message) (*message.Message, error) {
	if msg.Header.Bag.Get(BagContentEncoding) != zstdEncoding {
		return msg, nil
	}
	body, err := c.decoder.DecodeAll(msg.Body.Bytes, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	out := msg.Clone()
	out.Body.Bytes = body
	delete(out.Header.Bag, BagContentEncoding)
	return out, nil
}

// Close releases the decoder's goroutines.
func (c *CompressTransform) Close() {
	c.decoder.Close()
}
