package storyteller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tablerst/storyteller/internal/hashing"
	"github.com/tablerst/storyteller/internal/llmcache"
)

// defaultCacheTTL matches the cache's general-purpose TTL for node
// outputs; zero would mean "never expires", which is too permissive for
// results that key off story-evolving world state.
const defaultCacheTTL = 30 * 24 * time.Hour

// logParseFailure records a JSON/structured-output parse failure with the
// bound fields the observability config calls for, plus an optional
// head/tail-truncated payload with an omitted-count marker.
func (g *Graph) logParseFailure(route, cacheKey, raw, source string, err error) {
	args := []any{
		"route", route,
		"cache_key_prefix", hashing.ShortDefault(cacheKey),
		"source", source,
		"raw_len", len(raw),
		"raw_hash", hashing.ShortDefault(hashing.SHA256Text(raw)),
		"error", err,
	}
	obs := g.Config.Observability
	if obs.LogJSONErrorPayload {
		args = append(args, "payload", truncatePayload(raw, obs.JSONErrorPayloadMaxChars))
	}
	g.Logger.Warn("llm response failed to parse", args...)
}

// truncatePayload keeps the head and tail of raw within maxChars total,
// marking how many runes were omitted in between.
func truncatePayload(raw string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	r := []rune(raw)
	if len(r) <= maxChars {
		return raw
	}
	head := maxChars / 2
	tail := maxChars - head
	omitted := len(r) - head - tail
	return fmt.Sprintf("%s...[%d chars omitted]...%s", string(r[:head]), omitted, string(r[len(r)-tail:]))
}

// completeStructuredCached checks cache for cacheKey and, on a miss,
// drives the router's structured-output builder fallback chain, parses
// the response into a JSON object and stores it back. It returns the
// decoded payload and whether it was served from cache. A cache entry
// that fails to parse is logged with source=cache, deleted and treated
// as a miss, so a corrupt payload is never replayed.
func completeStructuredCached(ctx context.Context, g *Graph, route, cacheKey, system, user string, schema json.RawMessage) (map[string]any, bool, error) {
	if g.Cache != nil {
		if raw, err := g.Cache.Get(ctx, cacheKey); err == nil {
			var payload map[string]any
			if jerr := json.Unmarshal([]byte(raw), &payload); jerr == nil {
				return payload, true, nil
			} else {
				g.logParseFailure(route, cacheKey, raw, "cache", jerr)
				_ = g.Cache.Delete(ctx, cacheKey)
			}
		} else if !errors.Is(err, llmcache.ErrMiss) {
			return nil, false, err
		}
	}

	text, parsed, err := g.Router.CompleteStructured(ctx, route, system, user, schema)
	if err != nil {
		return nil, false, err
	}
	var payload map[string]any
	if len(parsed) > 0 {
		if jerr := json.Unmarshal(parsed, &payload); jerr != nil {
			g.logParseFailure(route, cacheKey, string(parsed), "live", jerr)
			return nil, false, jerr
		}
	} else if jerr := json.Unmarshal([]byte(safeJSONObject(text)), &payload); jerr != nil {
		g.logParseFailure(route, cacheKey, text, "live", jerr)
		return nil, false, jerr
	}
	if g.Cache != nil {
		// Cache the parseable form, not the raw response, so a hit
		// replays without re-running fence stripping or JSON repair.
		stored := safeJSONObject(text)
		if len(parsed) > 0 {
			stored = string(parsed)
		}
		_ = g.Cache.Set(ctx, cacheKey, stored, defaultCacheTTL)
	}
	return payload, false, nil
}
