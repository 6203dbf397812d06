package common

import "strings"

// NormalizeName canonicalizes an entity name for identity comparison:
// trimmed, lowercased, inner whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// EntityKey is the dedup identity of an entity: the pair of topic and
// normalized name. Every code path that compares entities derives the key
// through this function.
func EntityKey(topicName, name string) string {
	return topicName + "\x1f" + NormalizeName(name)
}

// SignatureFunc reduces a relationship description to its dedup signature.
type SignatureFunc func(description string) string

// ExactSignature is the default relationship signature: normalized exact
// match of the description.
func ExactSignature(description string) string {
	return NormalizeName(description)
}

// RelationshipKey is the dedup identity of a relationship within a topic:
// source, target and the description signature.
func RelationshipKey(topicName, sourceEntityID, targetEntityID string, sig SignatureFunc, description string) string {
	if sig == nil {
		sig = ExactSignature
	}
	return strings.Join([]string{topicName, sourceEntityID, targetEntityID, sig(description)}, "\x1f")
}

// PersonalTopicName derives the reserved topic key for personal memory
// ingestion.
func PersonalTopicName(userID string) string {
	return "personal information of " + userID
}
