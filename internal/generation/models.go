package generation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ModelsDir returns the models directory for an executable: a "models"
// directory beside the directory that contains the executable.
//
//	<root>/core/zimage-ncnn-vulkan  ->  <root>/models
func ModelsDir(executable string) (string, error) {
	abs, err := filepath.Abs(executable)
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(filepath.Dir(abs)), "models"), nil
}

// ModelPath resolves a model id to its absolute directory.
func ModelPath(executable, model string) (string, error) {
	dir, err := ModelsDir(executable)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, model), nil
}

// ListModels returns the model directories available to the executable,
// sorted by name. A missing models directory yields an empty list.
func ListModels(executable string) ([]string, error) {
	dir, err := ModelsDir(executable)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read models directory: %w", err)
	}

	models := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			models = append(models, entry.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}
