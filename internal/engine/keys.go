package engine

import (
	"strings"
	"time"

	"github.com/admitkit/admitkit/internal/strategy"
)

// Backend keys follow {prefix}:{algo}:{window}:{dimension}:{id}. TTLs
// are aligned to each window inside the stores, so keys disappear on
// their own once traffic stops.

type window struct {
	tag string
	dur time.Duration
}

var (
	windowSecond = window{"1s", time.Second}
	windowMinute = window{"1m", time.Minute}
	windowHour   = window{"1h", time.Hour}
	windowDay    = window{"1d", 24 * time.Hour}
)

func windowByScope(scope string) (window, bool) {
	switch scope {
	case "minute":
		return windowMinute, true
	case "hour":
		return windowHour, true
	case "day":
		return windowDay, true
	}
	return window{}, false
}

type keyBuilder struct {
	prefix string
}

func (kb keyBuilder) limit(st strategy.Strategy, w window, dimension, id string) string {
	return kb.prefix + ":" + st.String() + ":" + w.tag + ":" + dimension + ":" + id
}

func (kb keyBuilder) concurrency(id string) string {
	return kb.prefix + ":conc:id:" + id
}

// resetPatterns matches every key for one identifier, optionally scoped
// to a single window granularity. Two patterns are needed: an exact one
// for stable keys and a ":*" suffix for fixed-window bucket keys. An
// open-ended "{id}*" would also sweep identifiers sharing the prefix
// (ip_10.0.0.1 vs ip_10.0.0.10).
func (kb keyBuilder) resetPatterns(id, windowTag string) []string {
	if windowTag == "" {
		windowTag = "*"
	}
	base := kb.prefix + ":*:" + windowTag + ":*:" + id
	return []string{base, base + ":*"}
}

// sanitize keeps dimension ids glob-safe: endpoint paths carry slashes
// and identifiers may carry colons, both of which would fight the key
// separator and pattern matching.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, ":", "_")
	if id == "" {
		id = "anon"
	}
	return id
}
