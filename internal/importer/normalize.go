package importer

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalizes raw records and deduplicates them within a
// batch. It never fails a batch: malformed records are dropped and counted.
type Normalizer struct {
	clock Clock
}

// NewNormalizer builds a Normalizer. The clock backfills records that
// arrive without an observation timestamp.
func NewNormalizer(clock Clock) *Normalizer {
	return &Normalizer{clock: clock}
}

// Normalize canonicalizes raws into entities, merging records that share a
// canonical tag (metric summed, min first-seen / max last-seen). The result
// is sorted by canonical tag, so the same raw batch always yields the same
// output regardless of input order. Returns the entities, the number of
// records dropped for data-quality reasons, and the number merged away by
// in-batch deduplication.
func (n *Normalizer) Normalize(raws []RawRecord) (entities []Entity, dropped int, deduped int) {
	merged := make(map[string]*Entity, len(raws))
	for _, raw := range raws {
		tag, ok := Canonicalize(raw.Tag)
		if !ok {
			dropped++
			continue
		}
		observed := raw.ObservedAt
		if observed.IsZero() {
			observed = n.clock.Now()
		}
		if e, exists := merged[tag]; exists {
			deduped++
			e.Metric += raw.Metric
			if observed.Before(e.FirstSeen) {
				e.FirstSeen = observed
			}
			if observed.After(e.LastSeen) {
				e.LastSeen = observed
			}
			continue
		}
		merged[tag] = &Entity{
			CanonicalTag: tag,
			Metric:       raw.Metric,
			FirstSeen:    observed,
			LastSeen:     observed,
		}
	}

	entities = make([]Entity, 0, len(merged))
	for _, e := range merged {
		entities = append(entities, *e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].CanonicalTag < entities[j].CanonicalTag
	})
	return entities, dropped, deduped
}

// Canonicalize reduces a raw hashtag to its canonical dedup key: leading
// '#' stripped, lowercased, diacritics folded, and filtered to letters,
// digits, and underscore. Returns false when nothing canonical remains.
func Canonicalize(tag string) (string, bool) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimLeft(tag, "#")
	if tag == "" {
		return "", false
	}

	folded, _, err := transform.String(foldTransformer(), tag)
	if err == nil {
		tag = folded
	}

	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range strings.ToLower(tag) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "", false
	}
	return out, true
}

// foldTransformer decomposes, strips combining marks, and recomposes, so
// "Café" and "Cafe" collapse to the same key. Transformers are stateful,
// hence a fresh chain per call.
func foldTransformer() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
