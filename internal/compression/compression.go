/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package compression provides configurable compression for LedgerDB.

This module implements configurable compression for:
- State exports produced by the dump tool
- Large HTTP responses (full replicated logs)
- Batch operations for better compression ratios

Supported Algorithms:
=====================

1. LZ4: Fast compression/decompression, moderate ratio
2. Snappy: Very fast, lower ratio, good for real-time
3. Zstd: Best ratio, configurable speed/ratio tradeoff
4. Gzip: Ubiquitous, solid default

Batch Compression:
==================

Batching multiple entries before compression improves ratios:
1. Collect entries into a batch
2. Compress the entire batch
3. Store/transmit compressed batch
4. Decompress and split on read
*/
package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmGzip
	AlgorithmLZ4
	AlgorithmSnappy
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a compression algorithm from string
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "none", "":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", s)
	}
}

// Level represents compression level
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 5
	LevelBest    Level = 9
)

// Config holds compression configuration
type Config struct {
	Algorithm Algorithm `json:"algorithm"`
	Level     Level     `json:"level"`
	MinSize   int       `json:"min_size"` // Minimum size to compress
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmGzip,
		Level:     LevelDefault,
		MinSize:   256,
	}
}

// Errors
var (
	ErrDataTooSmall     = errors.New("data too small to compress")
	ErrInvalidHeader    = errors.New("invalid compression header")
	ErrUnsupportedAlgo  = errors.New("unsupported compression algorithm")
	ErrDecompressFailed = errors.New("decompression failed")
)

// Compressor provides compression/decompression operations
type Compressor struct {
	config     Config
	gzipPool   sync.Pool
	bufferPool sync.Pool
}

// NewCompressor creates a new compressor
func NewCompressor(config Config) *Compressor {
	return &Compressor{
		config: config,
		gzipPool: sync.Pool{
			New: func() interface{} {
				return gzip.NewWriter(nil)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Compress compresses data with the configured algorithm. Data below the
// configured minimum size is returned unchanged; callers that honour
// MinSize must decompress with AlgorithmNone.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) < c.config.MinSize {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmGzip:
		buf := c.bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer c.bufferPool.Put(buf)

		gw := c.gzipPool.Get().(*gzip.Writer)
		gw.Reset(buf)
		if _, err := gw.Write(data); err != nil {
			c.gzipPool.Put(gw)
			return nil, err
		}
		if err := gw.Close(); err != nil {
			c.gzipPool.Put(gw)
			return nil, err
		}
		c.gzipPool.Put(gw)
		return append([]byte(nil), buf.Bytes()...), nil

	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil

	case AlgorithmLZ4:
		buf := new(bytes.Buffer)
		lw := lz4.NewWriter(buf)
		if _, err := lw.Write(data); err != nil {
			return nil, err
		}
		if err := lw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case AlgorithmZstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer zw.Close()
		return zw.EncodeAll(data, nil), nil

	default:
		return nil, ErrUnsupportedAlgo
	}
}

// Decompress decompresses data produced by the given algorithm.
func (c *Compressor) Decompress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil

	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil

	case AlgorithmSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil

	case AlgorithmLZ4:
		lr := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(lr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil

	case AlgorithmZstd:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		out, err := zr.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
		}
		return out, nil

	default:
		return nil, ErrUnsupportedAlgo
	}
}

// BatchCompressor collects entries and compresses them as one block. The
// batch format is a sequence of uvarint-length-prefixed entries.
type BatchCompressor struct {
	compressor *Compressor
	mu         sync.Mutex
	entries    [][]byte
}

// NewBatchCompressor creates a new batch compressor
func NewBatchCompressor(config Config) *BatchCompressor {
	return &BatchCompressor{
		compressor: NewCompressor(config),
	}
}

// Add appends an entry to the pending batch.
func (b *BatchCompressor) Add(entry []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, append([]byte(nil), entry...))
}

// Flush encodes and compresses the pending batch, clearing it.
func (b *BatchCompressor) Flush() ([]byte, error) {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	buf := new(bytes.Buffer)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, entry := range entries {
		n := binary.PutUvarint(lenBuf[:], uint64(len(entry)))
		buf.Write(lenBuf[:n])
		buf.Write(entry)
	}
	return b.compressor.Compress(buf.Bytes())
}

// DecompressBatch decompresses a batch and splits it back into entries.
func (b *BatchCompressor) DecompressBatch(data []byte, algo Algorithm) ([][]byte, error) {
	raw, err := b.compressor.Decompress(data, algo)
	if err != nil {
		return nil, err
	}

	var entries [][]byte
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad entry length", ErrInvalidHeader)
		}
		entry := make([]byte, size)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, fmt.Errorf("%w: truncated entry", ErrInvalidHeader)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
