// Package filesystem implements the built-in fs.read / fs.write / fs.delete
// capabilities. Grounded directly on
// backend/core/capabilities/filesystem_strict.py: absolute-path-only,
// scope-rooted, symlink-refusing, size-capped file access.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mek-systems/mek/core/pkg/mek"
)

// Refusal reasons, matching FilesystemRefusal in filesystem_strict.py.
const (
	ReasonPathNotExplicit = "path_not_explicit"
	ReasonPathOutOfScope  = "path_out_of_scope"
	ReasonFileTooLarge    = "file_too_large"
	ReasonTypeNotAllowed  = "type_not_allowed"
	ReasonPathIsSymlink   = "path_is_symlink"
	ReasonIsDirectory     = "is_directory"
	ReasonFileNotFound    = "file_not_found"
)

const capabilityGroup = "fs"

// Config mirrors FilesystemConfig's frozen dataclass.
type Config struct {
	MaxFileSize        int64
	AllowedDirectories  []string
	ForbidSymlinks      bool
}

// DefaultConfig matches the Python module's defaults: a 10 MiB ceiling and
// symlinks forbidden.
func DefaultConfig(allowedDirectories ...string) Config {
	return Config{
		MaxFileSize:        10 * 1024 * 1024,
		AllowedDirectories: allowedDirectories,
		ForbidSymlinks:     true,
	}
}

func refuse(name, reason, detail string) error {
	return &mek.CapabilityError{Capability: name, Reason: reason, Detail: detail}
}

func validatePath(name, path string, cfg Config) error {
	if !filepath.IsAbs(path) {
		return refuse(name, ReasonPathNotExplicit, "path must be absolute")
	}
	if len(cfg.AllowedDirectories) > 0 {
		inScope := false
		for _, dir := range cfg.AllowedDirectories {
			if strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) || path == filepath.Clean(dir) {
				inScope = true
				break
			}
		}
		if !inScope {
			return refuse(name, ReasonPathOutOfScope, fmt.Sprintf("path %q is outside the configured scope", path))
		}
	}
	if cfg.ForbidSymlinks {
		if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return refuse(name, ReasonPathIsSymlink, "path is a symlink")
		}
	}
	return nil
}

// NewRead builds the fs.read capability (LOW consequence).
func NewRead(cfg Config) (*mek.CapabilityContract, error) {
	const name = capabilityGroup + ".read"
	return mek.NewCapabilityContract(name, mek.ConsequenceLow, []string{"path"}, func(ctx context.Context, mc *mek.Context) (any, error) {
		pathVal, _ := mc.Field("path")
		path, _ := pathVal.(string)

		if err := validatePath(name, path, cfg); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, refuse(name, ReasonFileNotFound, path)
			}
			return nil, refuse(name, ReasonFileNotFound, err.Error())
		}
		if info.IsDir() {
			return nil, refuse(name, ReasonIsDirectory, path)
		}
		if info.Size() > cfg.MaxFileSize {
			return nil, refuse(name, ReasonFileTooLarge, fmt.Sprintf("%d bytes exceeds ceiling of %d", info.Size(), cfg.MaxFileSize))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, refuse(name, ReasonFileNotFound, err.Error())
		}
		return string(data), nil
	})
}

// NewWrite builds the fs.write capability (HIGH consequence).
func NewWrite(cfg Config) (*mek.CapabilityContract, error) {
	const name = capabilityGroup + ".write"
	return mek.NewCapabilityContract(name, mek.ConsequenceHigh, []string{"path", "content"}, func(ctx context.Context, mc *mek.Context) (any, error) {
		pathVal, _ := mc.Field("path")
		path, _ := pathVal.(string)
		contentVal, _ := mc.Field("content")
		content, _ := contentVal.(string)

		if int64(len(content)) > cfg.MaxFileSize {
			return nil, refuse(name, ReasonFileTooLarge, fmt.Sprintf("%d bytes exceeds ceiling of %d", len(content), cfg.MaxFileSize))
		}
		if err := validatePath(name, path, cfg); err != nil {
			return nil, err
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return nil, refuse(name, ReasonIsDirectory, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("fs.write: mkdir parents: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("fs.write: %w", err)
		}
		return map[string]any{"written": true, "bytes": len(content)}, nil
	})
}

// NewDelete builds the fs.delete capability (HIGH consequence). A missing
// file is not an error — it returns {"deleted": false} — matching
// filesystem_strict.py's FilesystemDelete.
func NewDelete(cfg Config) (*mek.CapabilityContract, error) {
	const name = capabilityGroup + ".delete"
	return mek.NewCapabilityContract(name, mek.ConsequenceHigh, []string{"path"}, func(ctx context.Context, mc *mek.Context) (any, error) {
		pathVal, _ := mc.Field("path")
		path, _ := pathVal.(string)

		if err := validatePath(name, path, cfg); err != nil {
			return nil, err
		}
		info, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return map[string]any{"deleted": false}, nil
			}
			return nil, refuse(name, ReasonFileNotFound, err.Error())
		}
		if info.IsDir() {
			return nil, refuse(name, ReasonIsDirectory, path)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, refuse(name, ReasonPathIsSymlink, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("fs.delete: %w", err)
		}
		return map[string]any{"deleted": true}, nil
	})
}
