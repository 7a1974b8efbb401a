package changestate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"homeschedule/internal/atomicfile"

	"gopkg.in/yaml.v3"
)

// Persister loads and saves the full set of committed states
type Persister interface {
	Load(ctx context.Context) (map[string]EntityChangeState, error)
	Save(ctx context.Context, states map[string]EntityChangeState) error
}

// MemoryPersister keeps nothing across restarts
type MemoryPersister struct{}

// Load returns an empty set
func (MemoryPersister) Load(context.Context) (map[string]EntityChangeState, error) {
	return map[string]EntityChangeState{}, nil
}

// Save does nothing
func (MemoryPersister) Save(context.Context, map[string]EntityChangeState) error {
	return nil
}

// FilePersister stores states as a YAML file, replaced atomically on save
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to path
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

type stateFile struct {
	Entities map[string]EntityChangeState `yaml:"entities"`
}

// Load reads the file; a missing file is an empty set
func (p *FilePersister) Load(ctx context.Context) (map[string]EntityChangeState, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]EntityChangeState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if f.Entities == nil {
		f.Entities = map[string]EntityChangeState{}
	}
	return f.Entities, nil
}

// Save writes to a temp file in the same directory and renames it into place
func (p *FilePersister) Save(ctx context.Context, states map[string]EntityChangeState) error {
	data, err := yaml.Marshal(stateFile{Entities: states})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := atomicfile.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
