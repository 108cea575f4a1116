package wake_test

import (
	"strings"
	"testing"

	"darko/internal/wake"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          string
		n           int
		wantPrompt  string
		wantCommand string
	}{
		{"wake and command", "hey darko turn on the light", 2, "hey darko", "turn on the light"},
		{"extra whitespace", "  hey\tdarko   turn  on\nthe light ", 2, "hey darko", "turn on the light"},
		{"only wake words", "hey darko", 2, "hey darko", ""},
		{"fewer words than wake", "hey", 2, "hey", ""},
		{"empty", "", 2, "", ""},
		{"zero wake words", "turn on", 0, "", "turn on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, command := wake.Split(tt.in, tt.n)
			if prompt != tt.wantPrompt || command != tt.wantCommand {
				t.Errorf("Split(%q, %d) = (%q, %q), want (%q, %q)",
					tt.in, tt.n, prompt, command, tt.wantPrompt, tt.wantCommand)
			}
		})
	}
}

func TestSplit_ReconstructsWords(t *testing.T) {
	t.Parallel()

	transcripts := []string{
		"hey darko turn on the light",
		"hey darko please pour me a beer now",
		"ok computer wave",
		"one two three four five six seven",
	}
	for _, tr := range transcripts {
		for n := 1; n <= len(strings.Fields(tr)); n++ {
			prompt, command := wake.Split(tr, n)
			if got := len(strings.Fields(prompt)); got != n {
				t.Errorf("Split(%q, %d): prompt has %d words", tr, n, got)
			}
			joined := strings.TrimSpace(prompt + " " + command)
			if joined != strings.Join(strings.Fields(tr), " ") {
				t.Errorf("Split(%q, %d): reconstruction %q", tr, n, joined)
			}
		}
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"hey darko", "hey darko", 1},
		{"", "", 1},
		{"Hey Darko", "hey darko", 1},
		{"abcdefghij", "abcdefgxyz", 0.7},
		{"abc", "", 0},
		{"hey darco", "hey darko", 8.0 / 9.0},
	}
	for _, tt := range tests {
		if got := wake.Similarity(tt.a, tt.b); got != tt.want {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity_Bounds(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{{"hey", "darko"}, {"x", "yyyyyyy"}, {"über", "uber"}, {"a b c", "c b a"}}
	for _, p := range pairs {
		s := wake.Similarity(p[0], p[1])
		if s < 0 || s > 1 {
			t.Errorf("Similarity(%q, %q) = %v, outside [0,1]", p[0], p[1], s)
		}
		if s != wake.Similarity(p[1], p[0]) {
			t.Errorf("Similarity(%q, %q) is not symmetric", p[0], p[1])
		}
	}
}

func TestMatcher_Scenario(t *testing.T) {
	t.Parallel()

	m := wake.New("hey darko")
	r := m.Match("hey darko turn on the light")

	if r.Prompt != "hey darko" {
		t.Errorf("Prompt = %q, want %q", r.Prompt, "hey darko")
	}
	if r.Command != "turn on the light" {
		t.Errorf("Command = %q, want %q", r.Command, "turn on the light")
	}
	if r.Similarity != 1 {
		t.Errorf("Similarity = %v, want 1", r.Similarity)
	}
	if !m.Accept(r) {
		t.Error("Accept = false, want true")
	}
}

func TestMatcher_StripsPunctuation(t *testing.T) {
	t.Parallel()

	r := wake.New("hey darko").Match("Hey, Darko! wave")
	if r.Prompt != "Hey Darko" || r.Similarity != 1 {
		t.Errorf("Match: prompt=%q similarity=%v, want %q and 1", r.Prompt, r.Similarity, "Hey Darko")
	}

	r = wake.New("hey darko", wake.WithStripPrompt(false)).Match("Hey, Darko! wave")
	if r.Similarity >= 1 {
		t.Errorf("Match without stripping: similarity=%v, want < 1", r.Similarity)
	}
}

func TestMatcher_AcceptBoundary(t *testing.T) {
	t.Parallel()

	m := wake.New("hey darko")
	if m.Threshold() != wake.DefaultThreshold {
		t.Fatalf("Threshold = %v, want %v", m.Threshold(), wake.DefaultThreshold)
	}

	tests := []struct {
		name string
		r    wake.Result
		want bool
	}{
		{"exactly threshold", wake.Result{Similarity: 0.7, Command: "wave"}, false},
		{"just above", wake.Result{Similarity: 0.7000001, Command: "wave"}, true},
		{"below", wake.Result{Similarity: 0.5, Command: "wave"}, false},
		{"empty command", wake.Result{Similarity: 1, Command: ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Accept(tt.r); got != tt.want {
				t.Errorf("Accept(%+v) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}

	// A prompt scoring exactly 0.7 against a ten-letter wake word is rejected.
	m = wake.New("abcdefghij")
	r := m.Match("abcdefgxyz stop")
	if r.Similarity != 0.7 || m.Accept(r) {
		t.Errorf("Match: similarity=%v accept=%v, want 0.7 and false", r.Similarity, m.Accept(r))
	}
}
