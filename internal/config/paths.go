package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths contains the directories the node reads and writes
type Paths struct {
	BaseDir     string
	LicensesDir string
	KeysDir     string
	DataDir     string
	LogsDir     string
}

// GetPaths returns the paths relative to the executable location
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}
	return NewPaths(filepath.Dir(exe)), nil
}

// NewPaths lays the node directories out under base:
//
//	base/
//	  ├── licenses/   (license documents)
//	  ├── keys/       (trusted authority public keys)
//	  ├── data/       (ledger database)
//	  └── logs/
func NewPaths(base string) *Paths {
	return &Paths{
		BaseDir:     base,
		LicensesDir: filepath.Join(base, "licenses"),
		KeysDir:     filepath.Join(base, "keys"),
		DataDir:     filepath.Join(base, "data"),
		LogsDir:     filepath.Join(base, "logs"),
	}
}

// Resolve returns p unchanged when absolute, otherwise joined with the base directory
func (p *Paths) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.BaseDir, path)
}

// Directories returns the writable directories c points at. Unset
// entries are left empty.
func (c *Config) Directories() *Paths {
	p := &Paths{LicensesDir: c.License.Dir}
	if file := c.Store.File(); file != "" {
		p.DataDir = filepath.Dir(file)
	}
	if c.Logging.FilePath != "" && !strings.EqualFold(c.Logging.Output, "console") {
		p.LogsDir = filepath.Dir(c.Logging.FilePath)
	}
	return p
}

// EnsureDirectories creates the writable directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.LicensesDir, p.DataDir, p.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
