package command

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// AllowedPrefixes lists the characters a channel may use as command prefix.
const AllowedPrefixes = "!?.#$%&*~-+=/;>^@"

var emoticonRe = regexp.MustCompile(`\{:[^{}:\s]+:\}`)

func hasEmoticon(parts ...string) bool {
	for _, p := range parts {
		if emoticonRe.MatchString(p) {
			return true
		}
	}
	return false
}

// ValidPrefix reports whether p is a single whitelisted character.
func ValidPrefix(p string) bool {
	if utf8.RuneCountInString(p) != 1 {
		return false
	}
	return strings.ContainsAny(p, AllowedPrefixes)
}

// splitFirst returns the first whitespace-delimited word of s and the
// trimmed remainder.
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

type span struct{ start, end int }

func fieldSpans(s string) []span {
	var out []span
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, span{start, len(s)})
	}
	return out
}

// ParseNames reads a "|"-separated name list from the front of s and returns
// the names and the untouched remainder. Whitespace around the separators is
// allowed, so "a|b", "a| b", "a |b" and "a | b" all yield [a b]. Duplicates
// and empty names are dropped.
func ParseNames(s string) (names []string, rest string) {
	spans := fieldSpans(s)
	if len(spans) == 0 {
		return nil, ""
	}
	joined := s[spans[0].start:spans[0].end]
	last := 0
	for i := 1; i < len(spans); i++ {
		tok := s[spans[i].start:spans[i].end]
		if !strings.HasSuffix(joined, "|") && !strings.HasPrefix(tok, "|") {
			break
		}
		joined += tok
		last = i
	}
	seen := make(map[string]bool)
	for _, n := range strings.Split(joined, "|") {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names, strings.TrimSpace(s[spans[last].end:])
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// wordIndex returns the byte offset of the first occurrence of kw in s that
// is not flanked by letters or digits, or -1.
func wordIndex(s, kw string) int {
	for from := 0; from <= len(s)-len(kw); {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return -1
		}
		i += from
		before, _ := utf8.DecodeLastRuneInString(s[:i])
		after, _ := utf8.DecodeRuneInString(s[i+len(kw):])
		if (i == 0 || !isWordRune(before)) && (i+len(kw) == len(s) || !isWordRune(after)) {
			return i
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		from = i + size
	}
	return -1
}

// matchGreeting picks the greeting keyword that occurs first in line as a
// whole word. Ties on position go to the longer keyword. Matching ignores case.
func matchGreeting(line string, greetings map[string]string) (string, bool) {
	lower := strings.ToLower(line)
	best, bestPos := "", -1
	for kw := range greetings {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		pos := wordIndex(lower, k)
		if pos < 0 {
			continue
		}
		switch {
		case bestPos < 0, pos < bestPos:
		case pos == bestPos && len(kw) > len(best):
		case pos == bestPos && len(kw) == len(best) && kw < best:
		default:
			continue
		}
		best, bestPos = kw, pos
	}
	return best, bestPos >= 0
}

// render substitutes {name} placeholders from vars in a single pass.
func render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func itoa(n int) string { return strconv.Itoa(n) }
