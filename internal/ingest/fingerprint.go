package ingest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/quarry/internal/catalog"
)

// TakeFingerprint captures the identity of a source file: size plus
// modification time in nanoseconds. When sampleBytes > 0 it also hashes the
// first and last sampleBytes of content, which catches in-place rewrites
// that preserve both size and mtime.
func TakeFingerprint(path string, sampleBytes int64) (catalog.Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return catalog.Fingerprint{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return catalog.Fingerprint{}, fmt.Errorf("source %s is a directory", path)
	}

	fp := catalog.Fingerprint{
		Size:    info.Size(),
		MtimeNS: info.ModTime().UnixNano(),
	}
	if sampleBytes <= 0 {
		return fp, nil
	}

	hash, err := sampleHash(path, info.Size(), sampleBytes)
	if err != nil {
		return catalog.Fingerprint{}, err
	}
	fp.SampleHash = hash
	return fp, nil
}

func sampleHash(path string, size, sampleBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source for sampling: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if size <= 2*sampleBytes {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("sample source: %w", err)
		}
	} else {
		if _, err := io.CopyN(h, f, sampleBytes); err != nil {
			return "", fmt.Errorf("sample head: %w", err)
		}
		if _, err := f.Seek(-sampleBytes, io.SeekEnd); err != nil {
			return "", fmt.Errorf("seek tail: %w", err)
		}
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("sample tail: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
