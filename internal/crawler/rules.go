package crawler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/JakeFAU/cabinet/internal/entity"
)

// Query types.
const (
	QueryText  = "text"
	QueryRegex = "regex"
)

// Target selects which thread fields an entry matches against.
type Target string

// Entry targets.
const (
	TargetTitle   Target = "title"
	TargetContent Target = "content"
	TargetBoth    Target = "both"
)

// Query is one include or exclude term of an entry.
type Query struct {
	Type            string `mapstructure:"type" json:"type"`
	Query           string `mapstructure:"query" json:"query"`
	Exclude         bool   `mapstructure:"exclude" json:"exclude,omitempty"`
	CaseInsensitive bool   `mapstructure:"caseInsensitive" json:"caseInsensitive,omitempty"`
	IgnoreCase      bool   `mapstructure:"ignoreCase" json:"ignoreCase,omitempty"`
	Multiline       bool   `mapstructure:"multiline" json:"multiline,omitempty"`
	DotAll          bool   `mapstructure:"dotAll" json:"dotAll,omitempty"`
	Unicode         bool   `mapstructure:"unicode" json:"unicode,omitempty"`
}

// Entry scopes a set of queries to boards.
type Entry struct {
	Boards        []string `mapstructure:"boards" json:"boards"`
	Queries       []Query  `mapstructure:"queries" json:"queries"`
	SearchArchive bool     `mapstructure:"searchArchive" json:"searchArchive,omitempty"`
	Target        Target   `mapstructure:"target" json:"target"`
}

type term struct {
	text   string
	fold   bool
	regexp *regexp.Regexp
}

func (t term) match(s string) bool {
	if s == "" {
		return false
	}
	if t.regexp != nil {
		return t.regexp.MatchString(s)
	}
	if t.fold {
		return strings.Contains(strings.ToLower(s), strings.ToLower(t.text))
	}
	return strings.Contains(s, t.text)
}

// CompiledEntry is an Entry with its queries compiled.
type CompiledEntry struct {
	Entry
	include []term
	exclude []term
}

// HasBoard reports whether the entry covers a board code.
func (e *CompiledEntry) HasBoard(code string) bool {
	return slices.Contains(e.Boards, code)
}

// Match decides a target that lives on one of the entry's boards.
// Title and content targets also veto on an exclusion hit in the other
// field when that field is non-empty.
func (e *CompiledEntry) Match(t entity.MatchTarget) bool {
	titleMatched := anyMatch(e.include, t.Title)
	contentMatched := anyMatch(e.include, t.Content)
	titleExcluded := anyMatch(e.exclude, t.Title)
	contentExcluded := anyMatch(e.exclude, t.Content)

	switch e.Target {
	case TargetTitle:
		return titleMatched && !titleExcluded && (t.Content == "" || !contentExcluded)
	case TargetContent:
		return contentMatched && !contentExcluded && (t.Title == "" || !titleExcluded)
	case TargetBoth:
		return (titleMatched || contentMatched) && !titleExcluded && !contentExcluded
	default:
		return false
	}
}

func anyMatch(terms []term, s string) bool {
	for _, t := range terms {
		if t.match(s) {
			return true
		}
	}
	return false
}

// Rules is a compiled, ordered entry list.
type Rules struct {
	entries []*CompiledEntry
}

// Compile validates entries and compiles their queries. Regex queries RE2
// cannot compile fall back to substring matching.
func Compile(entries []Entry) (*Rules, error) {
	rules := &Rules{entries: make([]*CompiledEntry, 0, len(entries))}
	for i, entry := range entries {
		switch entry.Target {
		case TargetTitle, TargetContent, TargetBoth:
		default:
			return nil, fmt.Errorf("entry %d: invalid target %q", i, entry.Target)
		}
		compiled := &CompiledEntry{Entry: entry}
		for j, q := range entry.Queries {
			t, err := compileQuery(q)
			if err != nil {
				return nil, fmt.Errorf("entry %d query %d: %w", i, j, err)
			}
			if q.Exclude {
				compiled.exclude = append(compiled.exclude, t)
			} else {
				compiled.include = append(compiled.include, t)
			}
		}
		rules.entries = append(rules.entries, compiled)
	}
	return rules, nil
}

func compileQuery(q Query) (term, error) {
	switch q.Type {
	case QueryText, "":
		return term{text: q.Query, fold: q.CaseInsensitive}, nil
	case QueryRegex:
		t := term{text: q.Query, fold: q.IgnoreCase}
		if re, err := regexp.Compile(regexFlags(q) + q.Query); err == nil {
			t.regexp = re
		}
		return t, nil
	default:
		return term{}, fmt.Errorf("unknown query type %q", q.Type)
	}
}

// regexFlags maps query flags onto RE2 inline flags. RE2 always matches
// on code points, so the unicode flag needs no translation.
func regexFlags(q Query) string {
	var flags string
	if q.IgnoreCase {
		flags += "i"
	}
	if q.Multiline {
		flags += "m"
	}
	if q.DotAll {
		flags += "s"
	}
	if flags == "" {
		return ""
	}
	return "(?" + flags + ")"
}

// Entries returns the compiled entries in configuration order.
func (r *Rules) Entries() []*CompiledEntry {
	return r.entries
}

// Matches lets the first entry covering the target's board decide. A board
// no entry covers never matches.
func (r *Rules) Matches(t entity.MatchTarget) bool {
	for _, e := range r.entries {
		if e.HasBoard(t.BoardCode) {
			return e.Match(t)
		}
	}
	return false
}

// Boards lists every board code referenced by an entry, deduplicated in
// first-seen order.
func (r *Rules) Boards() []string {
	return r.boards(func(*CompiledEntry) bool { return true })
}

// ArchiveBoards lists board codes of entries that search the archive.
func (r *Rules) ArchiveBoards() []string {
	return r.boards(func(e *CompiledEntry) bool { return e.SearchArchive })
}

func (r *Rules) boards(keep func(*CompiledEntry) bool) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.entries {
		if !keep(e) {
			continue
		}
		for _, code := range e.Boards {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out
}
