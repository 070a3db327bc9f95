package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/devrev/boundary-gateway/internal/model"
	"gopkg.in/yaml.v3"
)

// FileSource reads the registry from a YAML document:
//
//	version: 42
//	nodes:
//	  - id: node-1
//	    address: 10.0.0.1:8080
//	    subnet_id: subnet-a
//	    fingerprint: 3f1c...
type FileSource struct {
	path string
}

type fileListing struct {
	Version uint64       `yaml:"version"`
	Nodes   []model.Node `yaml:"nodes"`
}

// NewFileSource creates a source backed by the file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Fetch(ctx context.Context) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc fileListing
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	return &Listing{Version: doc.Version, Nodes: doc.Nodes}, nil
}

func (s *FileSource) Name() string {
	return "file"
}
