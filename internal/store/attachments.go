package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore persists assistant-produced images to a content-addressed
// directory (<workspace>/.wingman/attachments/<sha256>.<ext>). Re-persisting
// identical bytes yields the same path.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Dir returns the blob directory path.
func (b *BlobStore) Dir() string { return b.dir }

// PersistAssistantImages rewrites inline image data URLs on an assistant
// message to blob references. User uploads stay inline; remote URLs are never
// rewritten; non-assistant messages pass through untouched.
func (b *BlobStore) PersistAssistantImages(msg *Message) error {
	if msg.Role != RoleAssistant {
		return nil
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Kind != "image" || !strings.HasPrefix(att.DataURL, "data:") {
			continue
		}
		mimeType, data, err := decodeDataURL(att.DataURL)
		if err != nil {
			return fmt.Errorf("decode attachment %d: %w", i, err)
		}
		path, err := b.write(data, mimeType)
		if err != nil {
			return err
		}
		att.Path = path
		att.DataURL = ""
		att.Size = int64(len(data))
		if att.MimeType == "" {
			att.MimeType = mimeType
		}
	}
	return nil
}

// write stores the bytes under their sha256 name and returns the path.
// Writing the same bytes twice is a no-op.
func (b *BlobStore) write(data []byte, mimeType string) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + extFor(mimeType)
	path := filepath.Join(b.dir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return path, nil
}

func decodeDataURL(dataURL string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	mimeType, _, _ = strings.Cut(meta, ";")
	if strings.HasSuffix(meta, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decode base64: %w", err)
		}
		return mimeType, data, nil
	}
	return mimeType, []byte(payload), nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}
