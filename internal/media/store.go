// Package media persists downloaded attachments under collision-resistant
// names.
package media

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyContent is returned when Save is called with no bytes.
var ErrEmptyContent = errors.New("media: empty content")

// Store writes files below Root as <yyyy>/<mm>/<uuid>.<ext>.
type Store struct {
	Root string
	now  func() time.Time
}

// NewStore returns a store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root, now: time.Now}
}

// Save writes data atomically and returns the path relative to Root.
func (s *Store) Save(data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = "bin"
	}

	now := s.now()
	rel := filepath.Join(
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		uuid.NewString()+"."+ext,
	)
	full := filepath.Join(s.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("media: mkdir: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("media: write: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("media: rename: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Path resolves a path returned by Save to an absolute file path.
// Paths escaping Root are rejected.
func (s *Store) Path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("media: invalid path %q", rel)
	}
	return filepath.Join(s.Root, clean), nil
}

// ExtensionFor picks a file extension for a MIME type, falling back to the
// subtype ("image/webp" → "webp").
func ExtensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	switch base {
	case "image/jpeg":
		return "jpg"
	case "":
		return "bin"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	if _, sub, ok := strings.Cut(base, "/"); ok && sub != "" {
		return sub
	}
	return "bin"
}
