package tasks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// taskFile is the on-disk shape accepted by LoadFile. A bare list of tasks
// is accepted too.
type taskFile struct {
	Tasks []*Task `yaml:"tasks"`
}

// LoadFile reads task definitions from a YAML file. Each entry needs at
// least a title; priority defaults to 3. Loaded tasks are pending,
// unassigned, and carry SourceFile regardless of what the file claims.
func LoadFile(path string) ([]*Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var f taskFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		// Not an envelope; try a bare list.
		if lerr := yaml.Unmarshal(raw, &f.Tasks); lerr != nil {
			return nil, fmt.Errorf("parse task file %s: %w", path, err)
		}
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	now := time.Now().UTC()
	for i, t := range f.Tasks {
		if t.Priority == 0 {
			t.Priority = 3
		}
		t.ID = ""
		t.Status = StatusPending
		t.Source = SourceFile
		t.AssignedTo = ""
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task file %s entry %d: %w", path, i+1, err)
		}
	}
	return f.Tasks, nil
}

// Export writes tasks to w in the requested format, "json" or "yaml".
func Export(w io.Writer, ts []*Task, format string) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ts)
	case "yaml", "yml":
		return yaml.NewEncoder(w).Encode(taskFile{Tasks: ts})
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
