package localtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/pkg/models"
)

// ReadFileConfig controls the read_file tool's workspace scope and default
// read limit.
type ReadFileConfig struct {
	Workspace    string
	MaxReadBytes int
}

// ReadFileTool reads a file from the workspace with an optional offset and
// byte limit. Grounded on the teacher's internal/tools/files.ReadTool.
type ReadFileTool struct {
	resolver Resolver
	maxRead  int
}

var _ registry.Tool = (*ReadFileTool)(nil)

func NewReadFileTool(cfg ReadFileConfig) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200_000
	}
	return &ReadFileTool{resolver: Resolver{Root: cfg.Workspace}, maxRead: limit}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace with optional offset and byte limit." }

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path to the file (relative to workspace)."},
			"offset":    map[string]any{"type": "integer", "description": "Byte offset to start reading from (default: 0).", "minimum": 0},
			"max_bytes": map[string]any{"type": "integer", "description": "Maximum bytes to read (capped by tool default).", "minimum": 0},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, err.Error()), nil
	}

	limit := t.maxRead
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ErrorResult("", models.ToolErrorNotFound, err.Error()), nil
		}
		return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
	}
	defer f.Close()

	if input.Offset > 0 {
		if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
			return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
		}
	}

	buf := make([]byte, limit)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return models.ErrorResult("", models.ToolErrorExecutionFailed, err.Error()), nil
	}
	return models.TextResult("", string(buf[:n])), nil
}
