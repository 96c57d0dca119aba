package extract

import (
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

type hit struct {
	start, end int
	pattern    int
}

// newAutomaton matches ASCII case-insensitively. Folding keeps byte length,
// so hit offsets index the original text. Word boundaries are checked by the
// caller on decoded runes.
func newAutomaton(patterns []string) ahocorasick.AhoCorasick {
	b := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchKind:            ahocorasick.StandardMatch,
	})
	return b.Build(patterns)
}

// findAll reports every occurrence of every pattern, overlapping included.
func findAll(ac ahocorasick.AhoCorasick, text string) []hit {
	var out []hit
	it := ac.IterOverlapping(text)
	for m := it.Next(); m != nil; m = it.Next() {
		out = append(out, hit{start: m.Start(), end: m.End(), pattern: m.Pattern()})
	}
	return out
}
