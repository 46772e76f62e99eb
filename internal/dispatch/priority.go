package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Priority selects one of the four queues.
type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Medium   Priority = "medium"
	Low      Priority = "low"
)

// Priorities lists the levels from highest to lowest.
var Priorities = [...]Priority{Critical, High, Medium, Low}

func (p Priority) rank() int {
	switch p {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	}
	return -1
}

func (p Priority) Valid() bool { return p.rank() >= 0 }

func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// Level is the per-priority tuning: weight scales chunk size and inter-chunk
// delay; a head that waited longer than MaxDelay is served before
// higher-priority heads that have not.
type Level struct {
	Weight   float64
	MaxDelay time.Duration
}

func DefaultLevels() map[Priority]Level {
	return map[Priority]Level{
		Critical: {Weight: 4, MaxDelay: 0},
		High:     {Weight: 2, MaxDelay: 5 * time.Second},
		Medium:   {Weight: 1, MaxDelay: 30 * time.Second},
		Low:      {Weight: 0.5, MaxDelay: 5 * time.Minute},
	}
}
