package numbering

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/commune/pkg/observability"
)

// Registry holds the display format of every family. It is safe for
// concurrent use and can be reloaded while the service runs.
type Registry struct {
	mu      sync.RWMutex
	formats map[Family]Format
}

// NewRegistry returns a registry with the default formats
func NewRegistry() *Registry {
	r := &Registry{formats: make(map[Family]Format)}
	for _, f := range Families() {
		r.formats[f] = DefaultFormat(f)
	}
	return r
}

// Format returns the display format for a family
func (r *Registry) Format(f Family) Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if format, ok := r.formats[f]; ok {
		return format
	}
	return DefaultFormat(f)
}

// Set replaces the format of one family
func (r *Registry) Set(format Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.formats[format.Family] = format
	r.mu.Unlock()
	return nil
}

type formatsFile struct {
	Formats []Format `yaml:"formats"`
}

// Parse decodes a YAML formats document. Families missing from the document
// keep their default format.
func Parse(data []byte) (map[Family]Format, error) {
	var doc formatsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse numbering formats: %w", err)
	}

	formats := make(map[Family]Format)
	for _, f := range Families() {
		formats[f] = DefaultFormat(f)
	}
	for _, f := range doc.Formats {
		if f.Separator == "" {
			f.Separator = "-"
		}
		if f.Digits == 0 {
			f.Digits = 5
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		formats[f.Family] = f
	}
	return formats, nil
}

// LoadFile replaces every format with the contents of a YAML file. On error the
// registry is left unchanged.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read numbering formats: %w", err)
	}
	formats, err := Parse(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.formats = formats
	r.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it changes, until ctx is done. A reload that
// fails is logged and the previous formats stay active. The directory is
// watched rather than the file so that editors replacing the file are seen.
func (r *Registry) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	logger = observability.OrDefault(logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.WithError(err).WithField("path", path).Error("numbering formats reload failed, keeping previous formats")
					continue
				}
				logger.WithField("path", path).Info("numbering formats reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("numbering formats watcher error")
			}
		}
	}()
	return nil
}
