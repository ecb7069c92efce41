// Package compress wraps a shared zstd encoder and decoder for parameter
// blobs and archive fixtures.
package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderErr  error
	decoderErr  error
	encoderOnce sync.Once
	decoderOnce sync.Once
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		// SpeedBetterCompression is roughly zstd level 7-8; parameter blobs are
		// written rarely and read on every start.
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		// A concurrency of 0 uses GOMAXPROCS.
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderLowmem(false))
	})
	return decoder, decoderErr
}

// Encode compresses data. EncodeAll is safe for concurrent use.
func Encode(data []byte) ([]byte, error) {
	enc, err := sharedEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode decompresses data produced by Encode.
func Decode(cdata []byte) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	data, err := dec.DecodeAll(cdata, make([]byte, 0, len(cdata)*3))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return data, nil
}
