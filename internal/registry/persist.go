package registry

import (
	"errors"
	"ezserve/internal/service"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// tableFile is the on-disk layout of a persisted registry.
type tableFile struct {
	Services map[string]service.Descriptor `yaml:"services"`
}

func lockPath(tablePath string) string {
	return tablePath + ".lock"
}

// acquireLock creates <table>.lock by hard-linking a uniquely named file to
// it. Link fails if the marker exists, so exactly one candidate wins. The
// returned release func removes the marker.
func acquireLock(tablePath string) (func() error, error) {
	dir, base := filepath.Split(tablePath)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s", base, uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock candidate for %s: %w", tablePath, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	defer os.Remove(tmp)

	marker := lockPath(tablePath)
	if err := os.Link(tmp, marker); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", tablePath, ErrTableExists)
		}
		return nil, fmt.Errorf("failed to create lock %s: %w", marker, err)
	}
	return func() error { return os.Remove(marker) }, nil
}

// writeTable persists descriptors via a temp file and rename, so concurrent
// readers see either nothing or the whole table.
func writeTable(tablePath string, descs []service.Descriptor) error {
	table := tableFile{Services: make(map[string]service.Descriptor, len(descs))}
	for _, d := range descs {
		table.Services[d.Name] = d
	}
	data, err := yaml.Marshal(&table)
	if err != nil {
		return fmt.Errorf("failed to encode service table: %w", err)
	}

	dir, base := filepath.Split(tablePath)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write service table %s: %w", tablePath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write service table %s: %w", tablePath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write service table %s: %w", tablePath, err)
	}
	if err := os.Rename(tmp.Name(), tablePath); err != nil {
		return fmt.Errorf("failed to write service table %s: %w", tablePath, err)
	}
	return nil
}

// readTable loads a persisted table. A missing file is returned unwrapped
// enough for errors.Is(err, fs.ErrNotExist).
func readTable(tablePath string) ([]service.Descriptor, error) {
	data, err := os.ReadFile(tablePath)
	if err != nil {
		return nil, err
	}
	var table tableFile
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse service table %s: %w", tablePath, err)
	}
	descs := make([]service.Descriptor, 0, len(table.Services))
	for name, d := range table.Services {
		if d.Name == "" {
			d.Name = name
		}
		descs = append(descs, d)
	}
	return descs, nil
}
