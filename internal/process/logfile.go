package process

import (
	"fmt"
	"os"
	"strings"
)

// openLogFile substitutes %(process_num)s with the zero-padded instance
// index and opens the result for append, creating it if necessary. An
// empty path returns (nil, nil): no log file is written, and the caller
// still captures the stream into its in-memory tail buffer.
func openLogFile(path string, instance int) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	resolved := strings.ReplaceAll(path, "%(process_num)s", fmt.Sprintf("%02d", instance))
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", resolved, err)
	}
	return f, nil
}
