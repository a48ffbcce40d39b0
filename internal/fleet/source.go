package fleet

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source yields fleet records from somewhere: a file, a registry cache.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// FileSource reads a registry export from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Records(_ context.Context) ([]Record, error) {
	return LoadFile(s.Path)
}

// LoadFile reads a YAML or JSON list of records. JSON exports parse as YAML.
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleet: reading %s: %w", path, err)
	}
	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("fleet: parsing %s: %w", path, err)
	}
	return records, nil
}
