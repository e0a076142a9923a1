package matcher

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/search"
)

// Stable matcher names. They are stored on every FailureMatch.
const (
	PreciseTestMatcherName    = "PreciseTestMatcher"
	CrashSignatureMatcherName = "CrashSignatureMatcher"
	SearchTestMatcherName     = "SearchTestMatcher"
)

// Candidate is a proposed classification for a line.
type Candidate struct {
	ClassifiedFailureID int64
	Score               float64
}

// Query is one failure line being matched. Similar lines are loaded once
// and shared by every matcher.
type Query struct {
	Line        model.FailureLine
	Fingerprint model.Fingerprint

	similar func(context.Context) ([]model.SimilarLine, error)
	loaded  bool
	lines   []model.SimilarLine
	err     error
}

// Similar returns previously classified lines close to the query line.
func (q *Query) Similar(ctx context.Context) ([]model.SimilarLine, error) {
	if !q.loaded {
		q.lines, q.err = q.similar(ctx)
		q.loaded = true
	}
	return q.lines, q.err
}

// Matcher proposes candidates for a line.
type Matcher interface {
	Name() string
	Match(ctx context.Context, q *Query) ([]Candidate, error)
}

// Index is the external similarity index used by SearchTestMatcher.
type Index interface {
	FindSimilarLines(ctx context.Context, vector []float32, test string, excludeLineID int64, limit int) ([]search.Result, error)
}

// newMatcher resolves a registry name. The registry is closed: unknown
// names are a configuration error.
func newMatcher(name string, index Index, limit int) (Matcher, error) {
	switch name {
	case PreciseTestMatcherName:
		return preciseTestMatcher{}, nil
	case CrashSignatureMatcherName:
		return crashSignatureMatcher{}, nil
	case SearchTestMatcherName:
		if index == nil {
			return nil, fmt.Errorf("matcher: %s requires a search index", name)
		}
		return searchTestMatcher{index: index, limit: limit}, nil
	default:
		return nil, fmt.Errorf("matcher: unknown matcher %q", name)
	}
}

// preciseTestMatcher scores candidates by how many identity fields agree.
type preciseTestMatcher struct{}

func (preciseTestMatcher) Name() string { return PreciseTestMatcherName }

func (preciseTestMatcher) Match(ctx context.Context, q *Query) ([]Candidate, error) {
	similar, err := q.Similar(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, s := range similar {
		if score := PreciseScore(q.Line, s.Line, s.BaseScore); score > 0 {
			out = append(out, Candidate{ClassifiedFailureID: s.ClassifiedFailureID, Score: score})
		}
	}
	return out, nil
}

// PreciseScore scores candidate against line:
//
//	same test, subtest, status, expected and signature  1.0
//	same test, subtest, status, expected                0.8 x base
//	same test and status, subtest differs only in
//	whitespace or digits                                0.7 x base
//	same signature, different test                      0.5 x base
func PreciseScore(line, candidate model.FailureLine, base float64) float64 {
	test, ctest := NormalizeField(line.Test), NormalizeField(candidate.Test)
	sub, csub := NormalizeField(line.Subtest), NormalizeField(candidate.Subtest)
	sig, csig := NormalizeField(line.Signature), NormalizeField(candidate.Signature)
	sameCore := test == ctest && sub == csub && line.Status == candidate.Status && line.Expected == candidate.Expected

	switch {
	case sameCore && sig == csig:
		return 1.0
	case sameCore:
		return 0.8 * base
	case test == ctest && line.Status == candidate.Status && sub != csub && subtestFuzzyEqual(line.Subtest, candidate.Subtest):
		return 0.7 * base
	case sig != "" && sig == csig && test != ctest:
		return 0.5 * base
	}
	return 0
}

func subtestFuzzyEqual(a, b string) bool {
	strip := func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) || unicode.IsDigit(r) {
				return -1
			}
			return r
		}, s)
	}
	return strip(a) == strip(b)
}

// crashSignatureMatcher pairs crashes with the same crashing frame.
type crashSignatureMatcher struct{}

func (crashSignatureMatcher) Name() string { return CrashSignatureMatcherName }

func (crashSignatureMatcher) Match(ctx context.Context, q *Query) ([]Candidate, error) {
	if q.Line.Action != model.ActionCrash || q.Line.Signature == "" {
		return nil, nil
	}
	similar, err := q.Similar(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, s := range similar {
		if s.Line.Action != model.ActionCrash || s.Line.Signature != q.Line.Signature {
			continue
		}
		score := 0.8 * s.BaseScore
		if NormalizeField(s.Line.Test) == NormalizeField(q.Line.Test) {
			score = s.BaseScore
		}
		out = append(out, Candidate{ClassifiedFailureID: s.ClassifiedFailureID, Score: score})
	}
	return out, nil
}

// searchTestMatcher asks the external index for lines of the same test
// with a similar message.
type searchTestMatcher struct {
	index Index
	limit int
}

func (searchTestMatcher) Name() string { return SearchTestMatcherName }

func (m searchTestMatcher) Match(ctx context.Context, q *Query) ([]Candidate, error) {
	if q.Line.Action != model.ActionTestResult || q.Line.Test == "" || len(q.Fingerprint.Vector) == 0 {
		return nil, nil
	}
	hits, err := m.index.FindSimilarLines(ctx, q.Fingerprint.Vector, q.Line.Test, q.Line.ID, m.limit)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{ClassifiedFailureID: h.ClassifiedFailureID, Score: 0.9 * clamp(float64(h.Score))})
	}
	return out, nil
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}

// rankCandidates keeps the best score per classified failure, drops those
// under minScore and returns at most k, best first (ties: lower id).
func rankCandidates(cands []scored, k int, minScore float64) []scored {
	best := make(map[int64]scored, len(cands))
	for _, c := range cands {
		if cur, ok := best[c.ClassifiedFailureID]; !ok || c.Score > cur.Score {
			best[c.ClassifiedFailureID] = c
		}
	}
	out := make([]scored, 0, len(best))
	for _, c := range best {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b scored) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return cmp.Compare(a.ClassifiedFailureID, b.ClassifiedFailureID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

type scored struct {
	Candidate
	matcher string
}
