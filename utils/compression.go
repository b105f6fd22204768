package utils

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// CompressionAlgorithm defines supported compression methods
type CompressionAlgorithm string

const (
	CompressionNone   CompressionAlgorithm = "none"
	CompressionGzip   CompressionAlgorithm = "gzip"
	CompressionZlib   CompressionAlgorithm = "zlib"
	CompressionBrotli CompressionAlgorithm = "brotli"
)

// ParseCompression maps a configuration value to an algorithm. The empty string
// means none.
func ParseCompression(name string) (CompressionAlgorithm, error) {
	switch a := CompressionAlgorithm(name); a {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionGzip, CompressionZlib, CompressionBrotli:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// Extension returns the file suffix used for data compressed with a.
func (a CompressionAlgorithm) Extension() string {
	switch a {
	case CompressionGzip:
		return ".gz"
	case CompressionZlib:
		return ".zz"
	case CompressionBrotli:
		return ".br"
	default:
		return ""
	}
}

// CompressData compresses data using the specified algorithm
func CompressData(data []byte, algorithm CompressionAlgorithm) ([]byte, error) {
	if len(data) == 0 || algorithm == CompressionNone {
		return data, nil
	}

	var buf bytes.Buffer
	var writer io.WriteCloser
	switch algorithm {
	case CompressionGzip:
		writer = gzip.NewWriter(&buf)
	case CompressionZlib:
		writer = zlib.NewWriter(&buf)
	case CompressionBrotli:
		writer = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write to %s writer: %w", algorithm, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", algorithm, err)
	}
	return buf.Bytes(), nil
}

// DecompressData decompresses data using the specified algorithm
func DecompressData(compressed []byte, algorithm CompressionAlgorithm) ([]byte, error) {
	if len(compressed) == 0 || algorithm == CompressionNone {
		return compressed, nil
	}

	var reader io.Reader
	switch algorithm {
	case CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	case CompressionBrotli:
		reader = brotli.NewReader(bytes.NewReader(compressed))
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s reader: %w", algorithm, err)
	}
	return data, nil
}
