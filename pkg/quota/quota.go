/*
Package quota implements the quota-error detector (C3): it scans a
completed child's log tail for rate-limit / quota-exhaustion markers and
derives a cooldown duration, to avoid hot-restarting against an exhausted
upstream.
*/
package quota

import (
	"bufio"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const tailLines = 50

// markers are case-insensitive substrings indicating rate-limit or quota
// exhaustion, matched against the log tail.
var markers = []string{
	"quota",
	"rate limit",
	"exhausted",
	"429",
	"resource_exhausted",
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// Detector scans a completed instance's log tail for quota exhaustion.
type Detector struct {
	MaxSeconds    int
	MarginPercent int
}

// New creates a quota detector tuned by error_protection config.
func New(maxSeconds, marginPercent int) *Detector {
	return &Detector{MaxSeconds: maxSeconds, MarginPercent: marginPercent}
}

// Detect returns the derived cooldown in seconds if logPath's tail matches a
// quota pattern, or ok=false if no pattern matched.
func (d *Detector) Detect(logPath string) (seconds int, ok bool) {
	tail, err := readTail(logPath, tailLines)
	if err != nil {
		return 0, false
	}
	return d.detectInText(tail)
}

func (d *Detector) detectInText(tail []string) (int, bool) {
	joined := strings.ToLower(strings.Join(tail, "\n"))

	matched := false
	for _, m := range markers {
		if strings.Contains(joined, m) {
			matched = true
			break
		}
	}
	if !matched {
		return 0, false
	}

	if m := retryAfterPattern.FindStringSubmatch(joined); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return secs, true
		}
	}

	// No retry-after hint: derive a conservative wait from the configured
	// ceiling. Final clamping to max_cooldown_seconds happens in the
	// cooldown table (SetQuota), not here.
	derived := int(math.Ceil(float64(d.MaxSeconds) * (1 + float64(d.MarginPercent)/100)))
	return derived, true
}

// readTail returns the last n lines of the file at path.
func readTail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
