package profile

import (
	"html"
	"math/rand/v2"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Pools are the content candidates drawn from on every item.
type Pools struct {
	Subjects []string `json:"subjects"`
	Messages []string `json:"messages"`
}

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
)

// Sanitized returns a copy with markup stripped from subjects and, unless
// htmlMessages is set, from messages too. Entries that end up empty are
// dropped.
func (p Pools) Sanitized(htmlMessages bool) Pools {
	out := Pools{
		Subjects: cleanAll(p.Subjects, plainText),
	}
	if htmlMessages {
		out.Messages = cleanAll(p.Messages, func(s string) string { return ugcPolicy.Sanitize(s) })
	} else {
		out.Messages = cleanAll(p.Messages, plainText)
	}
	return out
}

func plainText(s string) string {
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

func cleanAll(in []string, fn func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(fn(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Pick draws one subject and one message uniformly and independently.
// An empty pool yields "".
func (p Pools) Pick(rng *rand.Rand) (subject, message string) {
	return pickOne(rng, p.Subjects), pickOne(rng, p.Messages)
}

func pickOne(rng *rand.Rand, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[rng.IntN(len(pool))]
}
