package telegram

import (
	"strings"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// DefaultKeywords gate channel posts when no keywords are configured.
var DefaultKeywords = []string{"launch", "gem", "mint", "token"}

// ParseSignal extracts candidate mint addresses from a channel post. Posts
// that mention none of the keywords yield nothing. Mints are returned once
// each, in order of first appearance.
func ParseSignal(text string, keywords []string) []string {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := strings.ToLower(text)
	hit := false
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(lower, k) {
			hit = true
			break
		}
	}
	if !hit {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, m := range domain.MintPattern.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// normalizeChannel lowercases a channel handle and ensures the leading @.
func normalizeChannel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return name
}
