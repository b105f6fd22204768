package guardrail

import (
	"strings"
	"testing"

	"doc-ingest-pipeline/models"
)

func feedRunes(m *Monitor, s string) (Decision, int) {
	n := 0
	for _, r := range s {
		n++
		if d := m.Observe(string(r)); d.Stop {
			return d, n
		}
	}
	return Decision{}, n
}

func TestCleanStreamContinues(t *testing.T) {
	text := strings.Repeat(`{"type": "text", "data": {"text": "The quick brown fox jumps over the lazy dog."}}, `, 150)
	m := New(Config{})
	for i := 0; i < len(text); i += 37 {
		end := min(i+37, len(text))
		if d := m.Observe(text[i:end]); d.Stop {
			t.Fatalf("unexpected stop at offset %d: %+v", i, d)
		}
	}
	if m.Buffered() != text {
		t.Fatal("buffered text differs from input")
	}
}

func TestRepetitionTripsBeforeMaxLength(t *testing.T) {
	m := New(Config{})
	d, n := feedRunes(m, strings.Repeat("a", 250))
	if !d.Stop || d.ErrorType != models.ErrRepetitionLoop {
		t.Fatalf("decision = %+v", d)
	}
	if n != 161 {
		t.Fatalf("tripped after %d runes, want 161", n)
	}
	if !strings.Contains(d.Details, `'a'`) {
		t.Fatalf("details should name the character: %q", d.Details)
	}

	bulk := New(Config{}).Observe(strings.Repeat("a", 250))
	if bulk.ErrorType != models.ErrRepetitionLoop {
		t.Fatalf("bulk decision = %+v", bulk)
	}
}

func TestNewlineFloodScenario(t *testing.T) {
	stream := `{"components": [` + strings.Repeat("\n", 150)

	d := New(Config{}).Observe(stream)
	if d.ErrorType != models.ErrExcessiveNewlines {
		t.Fatalf("single delta: %+v", d)
	}

	m := New(Config{})
	d, n := feedRunes(m, stream)
	if d.ErrorType != models.ErrExcessiveNewlines {
		t.Fatalf("rune by rune: %+v", d)
	}
	if n >= 500 {
		t.Fatalf("tripped at length %d", n)
	}
}

func TestNewlineRunSpansDeltas(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 9; i++ {
		if d := m.Observe(strings.Repeat("\n", 11)); d.Stop {
			t.Fatalf("stopped after %d newlines", (i+1)*11)
		}
	}
	d := m.Observe(strings.Repeat("\n", 1))
	if d.ErrorType != models.ErrExcessiveNewlines {
		t.Fatalf("decision = %+v", d)
	}

	m = New(Config{})
	m.Observe(strings.Repeat("\n", 60))
	m.Observe("x")
	if d := m.Observe(strings.Repeat("\n", 60)); d.Stop {
		t.Fatalf("run must reset on other characters: %+v", d)
	}
}

func TestEscapedNewlines(t *testing.T) {
	m := New(Config{})
	m.Observe(`{"components": [{"type": "text", "data": {"text": "`)
	d := m.Observe(strings.Repeat(`\n`, 60))
	if d.ErrorType != models.ErrExcessiveEscapedNewlines {
		t.Fatalf("decision = %+v", d)
	}
}

func TestMaxLengthHasPriority(t *testing.T) {
	m := New(Config{MaxLength: 100})
	d := m.Observe(strings.Repeat("z", 300))
	if d.ErrorType != models.ErrMaxLengthExceeded {
		t.Fatalf("decision = %+v", d)
	}
}

func TestStopIsSticky(t *testing.T) {
	m := New(Config{MaxLength: 10})
	first := m.Observe("0123456789abc")
	if !first.Stop {
		t.Fatal("expected stop")
	}
	again := m.Observe("more text")
	if again != first {
		t.Fatalf("second decision %+v differs from %+v", again, first)
	}
	if m.Buffered() != "0123456789abc" {
		t.Fatalf("buffered = %q", m.Buffered())
	}
	if got, ok := m.Stopped(); !ok || got != first {
		t.Fatalf("Stopped() = %+v, %v", got, ok)
	}
}

func TestDeterministic(t *testing.T) {
	streams := []string{
		strings.Repeat("ab", 40) + strings.Repeat("b", 300),
		`{"components": [` + strings.Repeat("\n", 150),
		strings.Repeat(`x\n`, 200),
	}
	for _, s := range streams {
		d1, n1 := feedRunes(New(Config{}), s)
		d2, n2 := feedRunes(New(Config{}), s)
		if d1 != d2 || n1 != n2 {
			t.Fatalf("non deterministic: %+v@%d vs %+v@%d", d1, n1, d2, n2)
		}
		if !d1.Stop {
			t.Fatalf("stream %q should stop", s[:20])
		}
	}
}
