package clients

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalStorage keeps export files on disk and serves them under PublicPrefix.
type LocalStorage struct {
	BaseDir      string
	PublicPrefix string
	BaseURL      string // optional scheme+host[:port] for absolute URLs
}

// NewLocalStorage creates baseDir if missing.
func NewLocalStorage(baseDir, publicPrefix, baseURL string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./exports"
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir %q: %w", baseDir, err)
	}

	return &LocalStorage{BaseDir: baseDir, PublicPrefix: normalizePrefix(publicPrefix), BaseURL: baseURL}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "files"
	}
	return "/" + prefix
}

// storedName is "<uuid>_<original>"; DownloadName reverses it.
func storedName(fileName string) string {
	return uuid.NewString() + "_" + filepath.Base(fileName)
}

// DownloadName strips the unique prefix added on save.
func DownloadName(savedName string) string {
	if idx := strings.IndexByte(savedName, '_'); idx >= 0 {
		return savedName[idx+1:]
	}
	return savedName
}

// Save writes data atomically and returns the stored name.
func (s *LocalStorage) Save(ctx context.Context, fileName string, data []byte) (string, error) {
	final := storedName(fileName)

	path := filepath.Join(s.BaseDir, final)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}

	return final, nil
}

// URL returns BaseURL+PublicPrefix+"/"+savedName, relative when BaseURL is
// empty.
func (s *LocalStorage) URL(ctx context.Context, savedName string) (string, error) {
	if s.BaseURL != "" {
		return fmt.Sprintf("%s%s/%s", strings.TrimSuffix(s.BaseURL, "/"), s.PublicPrefix, savedName), nil
	}
	return fmt.Sprintf("%s/%s", s.PublicPrefix, savedName), nil
}

// Path resolves a stored name inside BaseDir, rejecting traversal.
func (s *LocalStorage) Path(savedName string) (string, bool) {
	clean := filepath.Base(savedName)
	if clean != savedName || clean == "." || clean == string(filepath.Separator) || strings.HasSuffix(clean, ".tmp") {
		return "", false
	}
	return filepath.Join(s.BaseDir, clean), true
}

// ServeFile writes the stored file as an attachment named after the original.
func (s *LocalStorage) ServeFile(w http.ResponseWriter, r *http.Request, savedName string) {
	path, ok := s.Path(savedName)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to access file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadName(savedName)))
	http.ServeFile(w, r, path)
}

func (s *LocalStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(s.BaseDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.BaseDir)
	}
	return nil
}

// CleanupOlderThan deletes stored files older than d and returns how many
// were removed.
func (s *LocalStorage) CleanupOlderThan(ctx context.Context, d time.Duration) (int, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-d)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.BaseDir, e.Name())); err != nil {
			log.Printf("[EXPORT] remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
