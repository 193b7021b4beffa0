package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths, NUL bytes and relative paths that
// climb out of the working directory.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains a NUL byte")
	}

	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) && (cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator))) {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}
	return nil
}
