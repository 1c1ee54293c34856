package source

import "strings"

// Filter holds keyword lists for content matching. An empty include list
// matches everything that is not excluded.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter creates a filter. Matching is case-insensitive.
func NewFilter(includeKeywords, excludeKeywords []string) *Filter {
	return &Filter{
		include: lowerAll(includeKeywords),
		exclude: lowerAll(excludeKeywords),
	}
}

// Empty reports whether the filter lets every record through.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}

// Match reports whether a record's title and body pass the filter.
func (f *Filter) Match(rec RawRecord) bool {
	if f.Empty() {
		return true
	}
	lower := strings.ToLower(rec.Title + " " + rec.Body)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, kw := range f.include {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func lowerAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = lower(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}
