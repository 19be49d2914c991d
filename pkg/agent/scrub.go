package agent

import (
	"regexp"
	"strings"
)

// infraNouns are protocol and infrastructure terms that must not leak
// into user-facing text.
var infraNouns = regexp.MustCompile(`(?i)\b(MCP|JSON-RPC|tools/call|session (?:id|token|key)|handshake|next[_ ]?cursor|pagination cursor)\b`)

// Scrubber removes internal tool identifiers and infrastructure terms
// from model reasoning and final answers.
type Scrubber struct {
	toolTokens *regexp.Regexp
}

// NewScrubber builds a scrubber for the given server keys. Dot-qualified
// tokens under a known server prefix are treated as tool identifiers.
func NewScrubber(serverKeys []string) *Scrubber {
	if len(serverKeys) == 0 {
		return &Scrubber{}
	}
	quoted := make([]string, len(serverKeys))
	for i, key := range serverKeys {
		quoted[i] = regexp.QuoteMeta(key)
	}
	pattern := `\b(?:` + strings.Join(quoted, "|") + `)\.[A-Za-z0-9_-]+\b`
	return &Scrubber{toolTokens: regexp.MustCompile(pattern)}
}

// Scrub replaces internal identifiers with neutral wording.
func (s *Scrubber) Scrub(text string) string {
	if s.toolTokens != nil {
		text = s.toolTokens.ReplaceAllString(text, "the data service")
	}
	text = infraNouns.ReplaceAllString(text, "the service")
	return collapseSpaces(text)
}

var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

func collapseSpaces(text string) string {
	return multiSpace.ReplaceAllString(text, " ")
}
