package identity

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// PlatformChatKey is the canonical key shared by every conversation-as-sender id.
	PlatformChatKey = "platform-chat"
	// PlatformChatName is the display name of the synthetic platform-chat identity.
	PlatformChatName = "Chat"
)

const (
	guidExpr         = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`
	conversationExpr = `19:[0-9A-Za-z-]+_[0-9A-Za-z-]+@[0-9A-Za-z.-]+`
)

var (
	conversationRe = regexp.MustCompile(`^` + conversationExpr + `$`)

	// textRe finds identifiers in free text: {{id}} tokens with an optional
	// leading "User ", conversation-as-sender ids, and GUIDs with an optional
	// 8: or 8:orgid: prefix. Submatch 1 is the token id, 2 the conversation id,
	// 3 the GUID form.
	textRe = regexp.MustCompile(
		`(?:User\s+)?\{\{\s*([^{}\s]+)\s*\}\}` +
			`|(` + conversationExpr + `)` +
			`|((?i:8:orgid:|8:)?` + guidExpr + `)`)
)

// Canonical returns the lookup key of a participant id. Prefixes are dropped
// and case is folded; conversation-as-sender ids all map to PlatformChatKey.
func Canonical(id string) string {
	id = strings.TrimSpace(id)
	if IsConversation(id) {
		return PlatformChatKey
	}
	lower := strings.ToLower(id)
	for _, prefix := range []string{"8:orgid:", "8:"} {
		if strings.HasPrefix(lower, prefix) {
			return lower[len(prefix):]
		}
	}
	return lower
}

// IsConversation reports whether id has the 19:<id>_<id>@<domain> form.
func IsConversation(id string) bool {
	return conversationRe.MatchString(strings.TrimSpace(id))
}

// Placeholder is the display name shown for an id nobody has named yet.
func Placeholder(id string) string {
	return fmt.Sprintf("Unknown User (%s)", Canonical(id))
}

// Token renders id as a deferred-resolution placeholder token.
func Token(id string) string {
	return "{{" + id + "}}"
}

// rewriteIDs calls fn for each identifier found in text and splices in the
// returned replacement. matched is the full matched text.
func rewriteIDs(text string, fn func(id, matched string) string) string {
	locs := textRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		var id string
		for group := 1; group <= 3; group++ {
			if start := loc[2*group]; start >= 0 {
				id = text[start:loc[2*group+1]]
				break
			}
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(fn(id, text[loc[0]:loc[1]]))
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
