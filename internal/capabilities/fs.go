package capabilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/forge/internal/bus"
)

func registerFS(b *bus.Bus, locks *PathLocks) {
	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapCreateDir,
		Desc:   "Create a directory and any missing parents",
		Params: map[string]string{"path": "directory to create"},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			path, err := requireString(params, "path")
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			return path, nil
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapWriteFile,
		Desc:   "Write a file, creating parent directories",
		Params: map[string]string{"path": "file to write", "content": "file content"},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			path, err := requireString(params, "path")
			if err != nil {
				return nil, err
			}
			locks.Lock(path)
			defer locks.Unlock(path)

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create parent directory: %w", err)
			}
			content := paramString(params, "content")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}
			return len(content), nil
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapReadFile,
		Desc:   "Read a file",
		Params: map[string]string{"path": "file to read"},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			path, err := requireString(params, "path")
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapRemove,
		Desc:   "Remove a file or directory tree",
		Params: map[string]string{"path": "path to remove"},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			path, err := requireString(params, "path")
			if err != nil {
				return nil, err
			}
			locks.Lock(path)
			defer locks.Unlock(path)
			return nil, os.RemoveAll(path)
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapStat,
		Desc:   "Report whether a path exists",
		Params: map[string]string{"path": "path to inspect"},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			path, err := requireString(params, "path")
			if err != nil {
				return nil, err
			}
			fi, err := os.Stat(path)
			switch {
			case os.IsNotExist(err):
				return bus.FileInfo{Path: path}, nil
			case err != nil:
				return nil, err
			}
			return bus.FileInfo{Path: path, Exists: true, IsDir: fi.IsDir(), Size: fi.Size()}, nil
		},
	})
}
