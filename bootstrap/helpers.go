package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// EnsureDataDir creates the data directory and verifies it is writable.
// This is a pre-flight check that runs before any service initialization.
func EnsureDataDir(dataDir string, sugar *zap.SugaredLogger) error {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for %s: %w", dataDir, err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w\n"+
			"  Remediation: Ensure the parent directory exists and is writable\n"+
			"  For Docker: Check volume mount permissions\n"+
			"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dataDir, err, absPath, absPath)
	}

	// Verify write permissions
	testFile := filepath.Join(absPath, ".bluelight_write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions\n"+
			"  For Docker: Ensure volume is mounted with write access", dataDir, err)
	}
	_ = os.Remove(testFile)

	sugar.Infof("Data directory ready: %s", absPath)
	return nil
}
