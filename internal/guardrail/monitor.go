// Package guardrail watches streamed model output and decides when a stream has
// gone pathological enough to abort.
package guardrail

import (
	"fmt"
	"strings"

	"doc-ingest-pipeline/models"
)

// Config holds the trigger thresholds. Zero fields take the defaults.
type Config struct {
	WindowSize          int
	MaxLength           int
	RepetitionRatio     float64
	MaxConsecutiveLines int
	EscapedNewlineRatio float64
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WindowSize:          200,
		MaxLength:           50000,
		RepetitionRatio:     0.8,
		MaxConsecutiveLines: 100,
		EscapedNewlineRatio: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
	if c.RepetitionRatio <= 0 {
		c.RepetitionRatio = d.RepetitionRatio
	}
	if c.MaxConsecutiveLines <= 0 {
		c.MaxConsecutiveLines = d.MaxConsecutiveLines
	}
	if c.EscapedNewlineRatio <= 0 {
		c.EscapedNewlineRatio = d.EscapedNewlineRatio
	}
	return c
}

// Decision is the result of observing a piece of the stream. The zero value means
// continue.
type Decision struct {
	Stop      bool
	ErrorType models.ErrorType
	Details   string
}

// Continue reports whether the caller should keep consuming the stream.
func (d Decision) Continue() bool { return !d.Stop }

// Monitor tracks one stream. It is not safe for concurrent use; every stream gets
// its own Monitor.
type Monitor struct {
	cfg Config

	window   []rune
	buf      strings.Builder
	length   int
	newlines int

	stopped Decision
}

// New returns a Monitor for a single stream.
func New(cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:    cfg,
		window: make([]rune, 0, cfg.WindowSize),
	}
}

// Observe feeds the next delta of the stream and returns whether to continue.
// After the first Stop every later call returns the same decision without
// consuming its input.
func (m *Monitor) Observe(chunk string) Decision {
	if m.stopped.Stop {
		return m.stopped
	}
	if chunk == "" {
		return Decision{}
	}

	m.buf.WriteString(chunk)
	maxRun := m.newlines
	for _, r := range chunk {
		m.length++
		if r == '\n' {
			m.newlines++
			maxRun = max(maxRun, m.newlines)
		} else {
			m.newlines = 0
		}
		m.push(r)
	}

	if d := m.evaluate(maxRun); d.Stop {
		m.stopped = d
		return d
	}
	return Decision{}
}

// Buffered returns all text observed so far, including the delta that tripped a
// trigger.
func (m *Monitor) Buffered() string {
	return m.buf.String()
}

// Length returns the number of runes observed.
func (m *Monitor) Length() int {
	return m.length
}

// Stopped returns the stop decision, if one was made.
func (m *Monitor) Stopped() (Decision, bool) {
	return m.stopped, m.stopped.Stop
}

func (m *Monitor) push(r rune) {
	if len(m.window) == m.cfg.WindowSize {
		copy(m.window, m.window[1:])
		m.window = m.window[:len(m.window)-1]
	}
	m.window = append(m.window, r)
}

func (m *Monitor) evaluate(maxRun int) Decision {
	if m.length > m.cfg.MaxLength {
		return Decision{
			Stop:      true,
			ErrorType: models.ErrMaxLengthExceeded,
			Details:   fmt.Sprintf("response length %d exceeds limit %d", m.length, m.cfg.MaxLength),
		}
	}

	capacity := float64(m.cfg.WindowSize)

	if r, n := m.mostFrequent(); n > 0 {
		ratio := float64(n) / capacity
		if ratio > m.cfg.RepetitionRatio {
			return Decision{
				Stop:      true,
				ErrorType: models.ErrRepetitionLoop,
				Details: fmt.Sprintf("character %q makes up %.2f of the last %d characters",
					r, ratio, m.cfg.WindowSize),
			}
		}
	}

	if maxRun >= m.cfg.MaxConsecutiveLines {
		return Decision{
			Stop:      true,
			ErrorType: models.ErrExcessiveNewlines,
			Details:   fmt.Sprintf("%d consecutive newlines", maxRun),
		}
	}

	if escaped := m.escapedNewlines(); escaped > 0 {
		ratio := float64(2*escaped) / capacity
		if ratio > m.cfg.EscapedNewlineRatio {
			return Decision{
				Stop:      true,
				ErrorType: models.ErrExcessiveEscapedNewlines,
				Details: fmt.Sprintf("escaped newlines make up %.2f of the last %d characters",
					ratio, m.cfg.WindowSize),
			}
		}
	}
	return Decision{}
}

func (m *Monitor) mostFrequent() (rune, int) {
	counts := make(map[rune]int, 32)
	var best rune
	bestN := 0
	for _, r := range m.window {
		counts[r]++
		if n := counts[r]; n > bestN {
			best, bestN = r, n
		}
	}
	return best, bestN
}

// escapedNewlines counts non-overlapping `\n` pairs in the window.
func (m *Monitor) escapedNewlines() int {
	n := 0
	for i := 0; i+1 < len(m.window); i++ {
		if m.window[i] == '\\' && m.window[i+1] == 'n' {
			n++
			i++
		}
	}
	return n
}
