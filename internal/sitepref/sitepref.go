// Package sitepref remembers the site a client was last pointed at. The file
// is read once at startup and written when the operator picks a site.
package sitepref

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Pref struct {
	SiteID    string    `yaml:"site_id"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// Load returns the stored site id, or "" when nothing was remembered yet.
func Load(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sitepref: read %s: %w", path, err)
	}
	var pref Pref
	if err := yaml.Unmarshal(raw, &pref); err != nil {
		return "", fmt.Errorf("sitepref: parse %s: %w", path, err)
	}
	return strings.TrimSpace(pref.SiteID), nil
}

// Save writes the site id atomically, creating parent directories.
func Save(path, siteID string, now time.Time) error {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return errors.New("sitepref: empty site id")
	}
	raw, err := yaml.Marshal(Pref{SiteID: siteID, UpdatedAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("sitepref: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sitepref: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".site-*.yaml")
	if err != nil {
		return fmt.Errorf("sitepref: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("sitepref: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sitepref: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("sitepref: %w", err)
	}
	return nil
}

// Resolve picks the site to start with: an explicit value wins over the
// remembered one.
func Resolve(explicit, path string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	return Load(path)
}
