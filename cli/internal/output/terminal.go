package output

import (
	"os"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/term"
)

// getTerminalWidth returns the current terminal width
func getTerminalWidth() int {
	// Check COLUMNS env var first
	if cols := strings.TrimSpace(os.Getenv("COLUMNS")); cols != "" {
		if width, err := cast.ToIntE(cols); err == nil && width > 0 {
			return width
		}
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return defaultWidth
}
