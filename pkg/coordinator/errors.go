package coordinator

import (
	"bufio"
	"os"
	"strings"
)

// errorMarkers are the tail-scan patterns from spec §4.7.2 step 3.
var errorMarkers = []string{
	"[api error:",
	"error:",
	"quota",
	"rate limit",
	"exhausted",
	"unauthorized",
}

const errorScanTailLines = 50

// scanErrorMarkers returns the first matching line found scanning logPath's
// tail from the end backwards, so the most recent error line wins.
func scanErrorMarkers(logPath string) (string, bool) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > errorScanTailLines {
			lines = lines[1:]
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		lower := strings.ToLower(lines[i])
		for _, marker := range errorMarkers {
			if strings.Contains(lower, marker) {
				return lines[i], true
			}
		}
	}
	return "", false
}
