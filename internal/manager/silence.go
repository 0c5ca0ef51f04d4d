package manager

import "strings"

// SilenceSentinel is the reply text an agent emits when it chooses not to
// answer. A silent reply is dropped before delivery and never persisted.
const SilenceSentinel = "NO_REPLY"

// IsSilence reports whether a reply is the silence sentinel.
// Matching is trimmed and case-insensitive.
func IsSilence(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), SilenceSentinel)
}
