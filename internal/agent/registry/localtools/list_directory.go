package localtools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/pkg/models"
)

// ListDirectoryConfig scopes the list_directory tool to a workspace root.
type ListDirectoryConfig struct {
	Workspace string
}

// ListDirectoryTool lists entries under a workspace-relative directory,
// grounded on the teacher's internal/tools/system's directory-listing
// conventions (plain-text, one entry per line, directories suffixed "/").
type ListDirectoryTool struct {
	resolver Resolver
}

var _ registry.Tool = (*ListDirectoryTool)(nil)

func NewListDirectoryTool(cfg ListDirectoryConfig) *ListDirectoryTool {
	return &ListDirectoryTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Description() string { return "List files and subdirectories under a workspace-relative directory." }

func (t *ListDirectoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Directory path (relative to workspace, default \".\")."},
			"recursive": map[string]any{"type": "boolean", "description": "Recurse into subdirectories."},
		},
	}
}

func (t *ListDirectoryTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Path == "" {
		input.Path = "."
	}

	root, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, err.Error()), nil
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ErrorResult("", models.ToolErrorNotFound, err.Error()), nil
		}
		return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
	}
	if !info.IsDir() {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, input.Path+" is not a directory"), nil
	}

	var lines []string
	if input.Recursive {
		err = filepath.Walk(root, func(p string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == root {
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return relErr
			}
			if fi.IsDir() {
				lines = append(lines, rel+"/")
			} else {
				lines = append(lines, rel)
			}
			return nil
		})
		if err != nil {
			return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
		}
		for _, e := range entries {
			if e.IsDir() {
				lines = append(lines, e.Name()+"/")
			} else {
				lines = append(lines, e.Name())
			}
		}
	}
	sort.Strings(lines)
	return models.TextResult("", strings.Join(lines, "\n")), nil
}
