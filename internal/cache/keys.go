package cache

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key kinds used across the relay
const (
	KindUserContext      = "user_context"
	KindInstructions     = "instructions"
	KindChatHistory      = "chat_history"
	KindVectorSearch     = "vector_search"
	KindFormattedContext = "formatted_context"
)

// GlobalIdentity is the identity segment for keys that are not user scoped
const GlobalIdentity = "global"

// Key builds a deterministic cache key from (kind, identity, params...).
// The same inputs always produce the same key so hits need no side tables.
func Key(kind, identity string, params ...string) string {
	var sb strings.Builder
	sb.WriteString(kind)
	sb.WriteByte(':')
	sb.WriteString(identity)
	for _, p := range params {
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

// Prefix returns the key prefix covering every entry of kind for identity
func Prefix(kind, identity string) string {
	return kind + ":" + identity + ":"
}

// HashKey returns a short stable hex digest of parts, for use as a key parameter
// when the raw input (query text, formatted bundle identity) is long.
func HashKey(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
