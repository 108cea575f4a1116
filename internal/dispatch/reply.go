package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"darko/internal/convo"
)

var actionMarker = regexp.MustCompile(`\*([^*]+)\*`)

// ActionRule fires Action when a *...* marker in a reply matches Pattern.
type ActionRule struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

type action struct {
	re   *regexp.Regexp
	name string
}

func compileRules(rules []ActionRule) ([]action, error) {
	out := make([]action, 0, len(rules))
	for _, r := range rules {
		if r.Action == "" {
			return nil, fmt.Errorf("rule %q has no action", r.Pattern)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		out = append(out, action{re: re, name: r.Action})
	}
	return out, nil
}

type Reply struct {
	Speech  string
	Actions []string
}

// parseReply pulls action markers out of a generated reply. Each marker
// fires the first matching rule; an action fires at most once per reply.
// Markers are not spoken.
func parseReply(text string, rules []action) Reply {
	var r Reply
	seen := map[string]bool{}

	for _, m := range actionMarker.FindAllStringSubmatch(text, -1) {
		for _, rule := range rules {
			if rule.re.MatchString(m[1]) {
				if !seen[rule.name] {
					seen[rule.name] = true
					r.Actions = append(r.Actions, rule.name)
				}
				break
			}
		}
	}

	speech := actionMarker.ReplaceAllString(text, " ")
	var lines []string
	for _, line := range strings.Split(speech, "\n") {
		if line = convo.SanitizePrompt(line); line != "" {
			lines = append(lines, line)
		}
	}
	r.Speech = strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
	return r
}

// ParseReply is parseReply over uncompiled rules.
func ParseReply(text string, rules []ActionRule) (Reply, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return Reply{}, err
	}
	return parseReply(text, compiled), nil
}
