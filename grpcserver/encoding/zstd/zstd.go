/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package zstd provides a gRPC compressor based on Zstandard.
// Importing the package registers the compressor under the "zstd" name,
// so clients may use grpc.UseCompressor(zstd.Name) and servers decompress such messages transparently.
package zstd

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// Name is the name under which the compressor is registered.
const Name = "zstd"

// maxDecodedSize limits memory used for a single decompressed message.
const maxDecodedSize = 64 << 20

type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	bufPool sync.Pool
}

func init() {
	c, err := newCompressor()
	if err != nil {
		panic("zstd: compressor initialization failed: " + err.Error())
	}
	encoding.RegisterCompressor(c)
}

func newCompressor() (*compressor, error) {
	// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("new zstd decoder: %w", err)
	}
	return &compressor{
		encoder: enc,
		decoder: dec,
		bufPool: sync.Pool{New: func() interface{} { return new(bytes.Buffer) }},
	}, nil
}

// Name implements encoding.Compressor.
func (c *compressor) Name() string {
	return Name
}

// Compress implements encoding.Compressor.
// Data is buffered and compressed as a single frame on Close.
func (c *compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	buf := c.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return &frameWriter{c: c, w: w, buf: buf}, nil
}

// Decompress implements encoding.Compressor.
func (c *compressor) Decompress(r io.Reader) (io.Reader, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return bytes.NewReader(data), nil
}

type frameWriter struct {
	c   *compressor
	w   io.Writer
	buf *bytes.Buffer
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	if fw.buf == nil {
		return 0, fmt.Errorf("zstd: write to closed writer")
	}
	return fw.buf.Write(p)
}

func (fw *frameWriter) Close() error {
	if fw.buf == nil {
		return nil
	}
	buf := fw.buf
	fw.buf = nil
	defer fw.c.bufPool.Put(buf)

	_, err := fw.w.Write(fw.c.encoder.EncodeAll(buf.Bytes(), nil))
	return err
}
