package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Item is one upload listed in a manifest.
type Item struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	// Report groups the item under a correlation id; empty means the
	// caller's id.
	Report string `json:"report"`
}

// LoadFromJSONL loads items from a JSONL manifest. Relative paths are
// resolved against the manifest's directory and a missing filename
// defaults to the path's base name.
func LoadFromJSONL(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	var items []Item
	lines := strings.Split(string(data), "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			slog.Warn("Skipping malformed manifest line.", "manifest", path, "line", i+1, "error", err)
			continue
		}
		if item.Path == "" {
			slog.Warn("Skipping manifest line without a path.", "manifest", path, "line", i+1)
			continue
		}
		if !filepath.IsAbs(item.Path) {
			item.Path = filepath.Join(dir, item.Path)
		}
		if item.Filename == "" {
			item.Filename = filepath.Base(item.Path)
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no valid items found in %s", path)
	}

	return items, nil
}

// Read returns the item's file contents.
func (it Item) Read() ([]byte, error) {
	data, err := os.ReadFile(it.Path)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", it.Path, err)
	}
	return data, nil
}
