package graphapi

import (
	"regexp"
	"strings"
)

var (
	mentionRe = regexp.MustCompile(`@([a-zA-Z0-9_.]+)`)
	// "Photo by someuser on ...", "Reel shared by someuser on ..." and
	// similar accessibility-caption phrasings. Only single-word captures
	// are usable; display names with spaces are not usernames.
	photoByRe  = regexp.MustCompile(`(?i)(?:photo|video|reel)?\s*(?:shared\s+)?by ([a-zA-Z0-9_.\s]+?) (?:on|tagging|in) `)
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.]{1,30}$`)
)

// stopwords are caption words that match the username charset but are
// never account names.
var stopwords = map[string]struct{}{
	"instagram": {}, "photo": {}, "video": {}, "image": {}, "picture": {},
	"post": {}, "story": {}, "reel": {}, "follow": {}, "like": {},
	"share": {}, "tag": {}, "comment": {}, "live": {}, "stories": {},
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"here": {}, "there": {}, "what": {}, "when": {}, "where": {},
	"how": {}, "why": {}, "who": {}, "all": {}, "any": {}, "can": {},
	"now": {}, "new": {}, "get": {},
}

// ExtractUsername pulls the most likely account name out of a post's
// accessibility caption. Explicit @mentions win; the "Photo by X on"
// phrasing is a fallback. Returns "" when nothing usable is present.
func ExtractUsername(caption string) string {
	if caption == "" {
		return ""
	}

	for _, m := range mentionRe.FindAllStringSubmatch(caption, -1) {
		if isValidUsername(m[1]) {
			return m[1]
		}
	}

	if m := photoByRe.FindStringSubmatch(caption); m != nil {
		candidate := strings.TrimSpace(m[1])
		if !strings.Contains(candidate, " ") && isValidUsername(candidate) {
			return candidate
		}
	}

	return ""
}

func isValidUsername(username string) bool {
	if !usernameRe.MatchString(username) {
		return false
	}
	_, stop := stopwords[strings.ToLower(username)]
	return !stop
}
