// Package artifact lays out fetched artifacts on disk.
//
// An artifact named "model" lives in the directory <workspace>/model:
//
//	model/
//	  data           raw bytes as delivered by the storage backend
//	  artifact.yaml  descriptor: name, declared type, data file, serializer key
//
// Consumers load the data file through the serializer registered for the
// artifact's type; the descriptor only records the key.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Pandinosaurus/deepforge/internal/storage"
)

const (
	DescriptorFile = "artifact.yaml"
	DataFile       = "data"

	partialSuffix = ".partial"
)

// Descriptor is the content of artifact.yaml.
type Descriptor struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	Data       string  `yaml:"data"`
	Serializer string  `yaml:"serializer"`
	Source     *Source `yaml:"source,omitempty"`
}

// Source records where the data was fetched from. Data is the backend's
// JSON descriptor verbatim.
type Source struct {
	Backend string `yaml:"backend"`
	Data    string `yaml:"data"`
}

// Fetch streams the data described by src from client into dir and writes the
// descriptor. The data file only appears under its final name once the whole
// stream has been persisted; the descriptor is written last, so a directory
// with an artifact.yaml always holds complete data.
func Fetch(ctx context.Context, client storage.Client, dir, name, dataType string, src storage.DataInfo) (*Descriptor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	rc, err := client.GetFileStream(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s data: %w", src.Backend, err)
	}
	defer rc.Close()

	dataPath := filepath.Join(dir, DataFile)
	if err := writeAtomic(dataPath, rc); err != nil {
		return nil, err
	}

	desc := &Descriptor{
		Name:       name,
		Type:       dataType,
		Data:       DataFile,
		Serializer: SerializerFor(dataType),
		Source:     &Source{Backend: src.Backend, Data: string(src.Data)},
	}
	if err := WriteDescriptor(dir, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func writeAtomic(path string, r io.Reader) error {
	tmp := path + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to download data: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close data file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize data file: %w", err)
	}
	return nil
}

// WriteDescriptor writes desc to dir/artifact.yaml.
func WriteDescriptor(dir string, desc *Descriptor) error {
	out, err := yaml.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), out, 0o644); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	return nil
}

// ReadDescriptor loads dir/artifact.yaml.
func ReadDescriptor(dir string) (*Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	if desc.Name == "" || desc.Data == "" {
		return nil, errors.New("invalid descriptor: name and data are required")
	}
	return &desc, nil
}
