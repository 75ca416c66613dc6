package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromDir scans a directory for module catalog subdirectories.
// Each subdirectory should contain a module.json file and optionally a
// description.md that overrides the description field. If dir doesn't
// exist, returns an empty slice without error.
func LoadFromDir(dir string) ([]*Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading module directory %s: %w", dir, err)
	}

	var modules []*Module
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		m, err := loadModuleFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading module %s: %w", entry.Name(), err)
		}
		if m != nil {
			modules = append(modules, m)
		}
	}

	return modules, nil
}

func loadModuleFromSubdir(dir string) (*Module, error) {
	jsonPath := filepath.Join(dir, "module.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading module.json: %w", err)
	}

	var m Module
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing module.json in %s: %w", dir, err)
	}
	m.Source = "catalog"

	// Optionally override description with description.md content.
	descPath := filepath.Join(dir, "description.md")
	if descData, err := os.ReadFile(descPath); err == nil {
		m.Description = strings.TrimSpace(string(descData))
	}

	return &m, nil
}
