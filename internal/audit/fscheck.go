package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// O_EXCL create is not atomic on every network filesystem, so two records
// stamped in the same millisecond could silently overwrite each other there.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocalFilesystem returns an error when dir, or its nearest existing
// ancestor, lives on a network filesystem.
func CheckLocalFilesystem(dir string) error {
	return checkLocalFilesystem(dir, detectFilesystemType)
}

func checkLocalFilesystem(dir string, detect func(string) (string, error)) error {
	if dir == "" {
		return fmt.Errorf("audit directory is empty")
	}

	inspect, err := nearestExistingPath(dir)
	if err != nil {
		return fmt.Errorf("resolve audit directory %q: %w", dir, err)
	}

	fsType, err := detect(inspect)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("audit directory %q is on network filesystem %q; exclusive file creation may not be atomic", dir, fsType)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := abs
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
