package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tabwire/tabwire/internal/recording"
)

// FileStore keeps one JSON file per recording under a directory.
// Durability relies on whole-file overwrite per save or delete.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// safeName maps an arbitrary recording name to a filesystem-safe file
// stem. The mapping is injective: every byte outside [A-Za-z0-9_-] is
// percent-encoded, so distinct names never collide on disk.
func safeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, safeName(name)+".json")
}

func (s *FileStore) Save(_ context.Context, rec recording.Recording) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recording %q: %w", rec.Name, err)
	}
	if err := os.WriteFile(s.path(rec.Name), b, 0o644); err != nil {
		return fmt.Errorf("write recording %q: %w", rec.Name, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, name string) (recording.Recording, error) {
	var rec recording.Recording
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("read recording %q: %w", name, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode recording %q: %w", name, err)
	}
	return rec, nil
}

func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec recording.Recording
		if json.Unmarshal(b, &rec) != nil {
			continue
		}
		infos = append(infos, Info{
			Name:      rec.Name,
			OriginURL: rec.OriginURL,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
			Actions:   len(rec.Actions),
		})
	}
	return infos, nil
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
