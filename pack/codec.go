package pack

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// payloadEncoder is the common surface of the zstd and lz4 stream encoders.
// Encoders are reused across entries: Reset to the next payload writer,
// write the content, Close to flush the frame.
type payloadEncoder interface {
	io.Writer
	Reset(w io.Writer)
	Close() error
}

// newPayloadEncoder returns an encoder for the codec, or nil for CodecNone.
func newPayloadEncoder(c Codec) (payloadEncoder, error) {
	switch c {
	case CodecNone:
		return nil, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(io.Discard,
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(io.Discard), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrConfig, c)
	}
}

// decoderPool hands out decompressing readers for entry payloads.
//
// zstd decoders are pooled because they hold window buffers that are
// expensive to reallocate per entry. lz4 readers are cheap and created on
// demand. The pool is safe for concurrent use.
type decoderPool struct {
	maxMemory uint64
	zstd      sync.Pool
}

func newDecoderPool(maxMemory uint64) *decoderPool {
	p := &decoderPool{maxMemory: maxMemory}
	p.zstd.New = func() any {
		dec, err := p.newZstdDecoder(nil)
		if err != nil {
			return nil
		}
		return dec
	}
	return p
}

// reader returns a reader yielding the uncompressed content of a payload
// read from r. The release function must be called when done; it is safe
// to call it exactly once.
func (p *decoderPool) reader(c Codec, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CodecNone:
		return r, func() {}, nil
	case CodecZstd:
		dec, ok := p.zstd.Get().(*zstd.Decoder)
		if !ok || dec == nil {
			fresh, err := p.newZstdDecoder(r)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return fresh, fresh.Close, nil
		}
		if err := dec.Reset(r); err != nil {
			dec.Close()
			fresh, err := p.newZstdDecoder(r)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return fresh, fresh.Close, nil
		}
		return dec, func() {
			_ = dec.Reset(nil)
			p.zstd.Put(dec)
		}, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown codec %d", ErrFormat, c)
	}
}

func (p *decoderPool) newZstdDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(r, opts...)
}
