// Package vocab loads the closed command vocabulary and the context
// document, and scores vocabulary entries against first-token logits.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Vocabulary is an ordered list of lower-cased, trimmed command phrases.
// It is never modified after Load and may be shared freely.
type Vocabulary []string

// Load reads one command per line. Blank lines are skipped.
func Load(path string) (Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open command list: %w", err)
	}
	defer f.Close()

	var v Vocabulary
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		v = append(v, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read command list %s: %w", path, err)
	}
	return v, nil
}

// LoadContext reads the whole context document.
func LoadContext(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read context document: %w", err)
	}
	return string(b), nil
}

// Contains reports whether cmd is one of the phrases.
func (v Vocabulary) Contains(cmd string) bool {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	for _, c := range v {
		if c == cmd {
			return true
		}
	}
	return false
}

// Prompt renders the vocabulary as the initial prompt given to the speech
// engine in closed-vocabulary mode.
func (v Vocabulary) Prompt() string {
	return "select one from the available words: " + strings.Join(v, ", ") + ". selected word: "
}
