package download

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// minValidFileSize rejects obviously truncated bodies.
	minValidFileSize = 50 * 1024

	// maxMissingPercent tolerates small shortfalls against a known
	// content length; CDNs occasionally under-deliver trailing metadata.
	maxMissingPercent = 5.0
)

// ValidateFile checks an offline-library download: existence, minimum
// size, deficit against the expected length, and the magic bytes implied
// by the file extension.
func ValidateFile(path string, expectedBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("downloaded file missing: %w", err)
	}

	if info.Size() < minValidFileSize {
		return &IncompleteError{MissingPercent: 100}
	}

	if expectedBytes > 0 && info.Size() < expectedBytes {
		missing := float64(expectedBytes-info.Size()) / float64(expectedBytes) * 100
		if missing > maxMissingPercent {
			return &IncompleteError{MissingPercent: missing}
		}
	}

	return checkMagic(path)
}

func checkMagic(path string) error {
	ext := strings.ToLower(filepath.Ext(path))

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for header check: %w", err)
	}
	defer file.Close()

	header := make([]byte, 12)
	n, err := file.Read(header)
	if err != nil || n < 4 {
		return fmt.Errorf("%w: unreadable header", ErrCorrupt)
	}
	header = header[:n]

	switch ext {
	case ".m4a":
		// ISO-BMFF: "ftyp" at offset 4 (after the box size) or, for
		// size-zero boxes, at offset 0.
		if bytes.Equal(header[0:4], []byte("ftyp")) ||
			(len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp"))) {
			return nil
		}
		return fmt.Errorf("%w: not an MP4 container", ErrCorrupt)

	case ".opus", ".webm":
		if bytes.HasPrefix(header, []byte{0x1A, 0x45, 0xDF, 0xA3}) ||
			bytes.HasPrefix(header, []byte("OggS")) {
			return nil
		}
		return fmt.Errorf("%w: not EBML or Ogg", ErrCorrupt)

	case ".mp3":
		if bytes.HasPrefix(header, []byte("ID3")) ||
			(header[0] == 0xFF && header[1]&0xE0 == 0xE0) {
			return nil
		}
		return fmt.Errorf("%w: no MP3 sync word or ID3 tag", ErrCorrupt)

	default:
		// Unknown extensions pass; the decoder is the final arbiter.
		return nil
	}
}

// ExtensionFor maps a resolved MIME type to the offline file extension.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "audio/webm":
		return ".opus"
	case "audio/mp4":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".m4a"
	}
}
