package progress

import (
	"fmt"
	"regexp"
	"strings"
)

// Line shapes printed by `docker pull` without a TTY:
//
//	a2abf6c4d29d: Pulling fs layer
//	a2abf6c4d29d: Download complete
//	a2abf6c4d29d: Pull complete
//	Status: Image is up to date for robertls/projectshelf:latest
var (
	layerLineRegex = regexp.MustCompile(`^([a-f0-9]{12,}):\s+(.+)$`)
	statusRegex    = regexp.MustCompile(`^Status:\s+(.+)$`)
)

// PullParser turns docker pull output into a layer count.
type PullParser struct {
	layers map[string]bool
	done   int
	status string
}

// NewPullParser creates an empty parser.
func NewPullParser() *PullParser {
	return &PullParser{layers: make(map[string]bool)}
}

// Feed consumes one output line and reports whether the counts changed.
func (p *PullParser) Feed(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if m := statusRegex.FindStringSubmatch(line); m != nil {
		p.status = m[1]
		return true
	}

	m := layerLineRegex.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	id, state := m[1], strings.ToLower(m[2])

	finished := strings.HasPrefix(state, "pull complete") || strings.HasPrefix(state, "already exists")
	wasDone, seen := p.layers[id]
	switch {
	case !seen:
		p.layers[id] = finished
		if finished {
			p.done++
		}
		return true
	case finished && !wasDone:
		p.layers[id] = true
		p.done++
		return true
	}
	return false
}

// Counts returns finished and known layers.
func (p *PullParser) Counts() (done, total int) {
	return p.done, len(p.layers)
}

// Fraction maps the layer count onto [lo, hi). It never reports hi so the
// stage has room for its final step.
func (p *PullParser) Fraction(lo, hi int) int {
	done, total := p.Counts()
	if total == 0 || hi <= lo {
		return lo
	}
	v := lo + (hi-lo)*done/total
	if v >= hi {
		v = hi - 1
	}
	return v
}

// Message summarises the pull for the progress record.
func (p *PullParser) Message() string {
	if p.status != "" {
		return p.status
	}
	done, total := p.Counts()
	if total == 0 {
		return "Pulling image"
	}
	return fmt.Sprintf("Pulling image: %d/%d layers", done, total)
}
