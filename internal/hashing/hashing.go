// Package hashing implements the content-addressed identity scheme shared
// by every layer of the pipeline: books, chapters, chunks, narrations and
// LLM cache keys are all named by a SHA-256 digest of their inputs.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SHA256Text returns the lowercase hex SHA-256 digest of s.
func SHA256Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Composite joins parts with "::" and hashes the result. It is the
// building block for every derived identity below.
func Composite(parts ...string) string {
	return SHA256Text(strings.Join(parts, "::"))
}

// BookHash identifies a book by its normalized full text.
func BookHash(normalizedText string) string {
	return SHA256Text(normalizedText)
}

// ChapterHash identifies a chapter within a book.
func ChapterHash(bookHash, title, text string) string {
	return Composite(bookHash, title, text)
}

// ChunkHash identifies a chunk within a chapter. splitParams encodes the
// chunking configuration (size/overlap/min) that produced text, so that
// changing the split parameters invalidates identity even for unchanged
// text.
func ChunkHash(chapterHash, text, splitParams string) string {
	return Composite(chapterHash, splitParams, text)
}

// CacheKey builds a content-addressed LLM cache key from arbitrary parts.
func CacheKey(parts ...string) string {
	return Composite(parts...)
}

// Short returns the first n characters of h for log correlation only;
// never used for storage or lookups.
func Short(h string, n int) string {
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}

// ShortDefault returns the 12-character short form used throughout logs.
func ShortDefault(h string) string {
	return Short(h, 12)
}

// JSONHash deterministically encodes v (sorting map keys, as Go's
// encoding/json already does for map[string]any) and hashes the result.
// Used to build narration/step input hashes that fold in every
// input that influenced a generation: chapter text, style, tier
// overrides, route names, prompt version.
func JSONHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Text(string(b)), nil
}
