package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/queuectl/queuectl/internal/domain"
)

// WriteJobLog persists the captured output of a job's latest attempt to
// path. The file is informational; the database row stays authoritative.
func WriteJobLog(path string, cap domain.Capture) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	exit := "none"
	if cap.ExitCode != nil {
		exit = fmt.Sprintf("%d", *cap.ExitCode)
	}

	var b strings.Builder
	b.WriteString("=== EXIT CODE ===\n")
	b.WriteString(exit)
	b.WriteString("\n\n=== STDOUT ===\n")
	b.WriteString(cap.Stdout)
	b.WriteString("\n\n=== STDERR ===\n")
	b.WriteString(cap.Stderr)
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write job log: %w", err)
	}
	return nil
}
