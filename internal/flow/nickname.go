package flow

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/scrypster/companion/internal/memory"
)

// DefaultNickname is used when no name can be found in the user's profile.
const DefaultNickname = "friend"

// namePatterns are tried in order on each profile fragment. Group 1 is the
// candidate name.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is ([A-Za-z][A-Za-z'-]{1,19})`),
	regexp.MustCompile(`(?i)\bname(?: is|:)\s*([A-Za-z][A-Za-z'-]{1,19})`),
	regexp.MustCompile(`(?i)\b(?:call me|is called|goes by) ([A-Za-z][A-Za-z'-]{1,19})`),
	regexp.MustCompile(`名字[是：:]([^，,。.\n]+)`),
	regexp.MustCompile(`叫([^，,。.\n]{2,4})`),
	regexp.MustCompile(`([^，,。.\n]{2,4})喜欢`),
}

// notNames are captures that match a pattern but are never names.
var notNames = map[string]bool{
	"喜欢": true, "名字": true, "性格": true, "说话": true, "用户": true, "朋友": true,
	"user": true, "friend": true, "the": true, "not": true, "unknown": true,
}

// ExtractNickname finds the user's name in profile fragments. The first
// plausible match wins; without one it returns DefaultNickname.
func ExtractNickname(frags []memory.Fragment) string {
	for _, f := range frags {
		if f.Type != memory.TypeProfile || f.Content == "" {
			continue
		}
		for _, re := range namePatterns {
			m := re.FindStringSubmatch(f.Content)
			if len(m) < 2 {
				continue
			}
			if name, ok := plausibleName(m[1]); ok {
				return name
			}
		}
	}
	return DefaultNickname
}

func plausibleName(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if notNames[strings.ToLower(s)] {
		return "", false
	}
	n := utf8.RuneCountInString(s)
	if isASCII(s) {
		return s, n >= 2 && n <= 20
	}
	return s, n >= 2 && n <= 4
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
