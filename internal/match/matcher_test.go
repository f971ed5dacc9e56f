package match

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/code-pattern-agent/internal/memory"
)

func patternsOf(ps ...memory.CodePattern) []memory.CodePattern {
	for i := range ps {
		ps[i].ID = int64(i + 1)
	}
	return ps
}

func TestRank_EmptyStore(t *testing.T) {
	m := New()
	results := m.Rank("sort an array", slices.Values([]memory.CodePattern(nil)))
	assert.Empty(t, results)
}

func TestRank_BubbleSortRanksFirst(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "http.ListenAndServe(addr, nil)", Language: "go", Complexity: 1},
		memory.CodePattern{Snippet: "bubble_sort(...)", Language: "generic", Complexity: 1.0},
		memory.CodePattern{Snippet: "print('hello')", Language: "python"},
	)

	results := m.Rank("sort an array", slices.Values(ps))
	require.Len(t, results, 3)
	assert.Equal(t, "bubble_sort(...)", results[0].Pattern.Snippet)
	assert.Equal(t, 1, results[0].Position)
	assert.InDelta(t, 0.5, results[0].Relevance, 1e-9)
	assert.InDelta(t, 0.4, results[0].Score, 1e-9)
}

func TestRank_SinglePattern(t *testing.T) {
	m := New()
	ps := patternsOf(memory.CodePattern{Snippet: "bubble_sort(...)", Language: "generic", Complexity: 1.0})

	results := m.Rank("please sort my list", slices.Values(ps))
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Pattern.ID)
	assert.Greater(t, results[0].Relevance, 0.0)
}

func TestRank_NonIncreasingAndStable(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "a()", Language: "go"},
		memory.CodePattern{Snippet: "sort.Ints(xs)", Language: "go", Complexity: 3},
		memory.CodePattern{Snippet: "a()", Language: "go"},
		memory.CodePattern{Snippet: "sort.Slice(xs, less)", Language: "go"},
		memory.CodePattern{Snippet: "a()", Language: "go"},
		memory.CodePattern{Snippet: "xs.sort()", Language: "python", Complexity: 1},
	)

	results := m.Rank("sort xs in go", slices.Values(ps))
	require.Len(t, results, len(ps))

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "index %d", i)
		if results[i-1].Score == results[i].Score {
			assert.Less(t, results[i-1].Position, results[i].Position, "tie at index %d", i)
		}
	}

	var positions []int
	for _, r := range results {
		positions = append(positions, r.Position)
	}
	slices.Sort(positions)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, positions, "every pattern appears exactly once")
}

func TestRank_TiesKeepInsertionOrder(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "quick_sort(xs)", Language: "generic"},
		memory.CodePattern{Snippet: "quick_sort(xs)", Language: "generic"},
		memory.CodePattern{Snippet: "quick_sort(xs)", Language: "generic"},
	)

	results := m.Rank("quick sort", slices.Values(ps))
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Position)
	}
}

func TestRank_Deterministic(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "for i := range xs { sum += xs[i] }", Language: "go", Complexity: 2},
		memory.CodePattern{Snippet: "sum(xs)", Language: "python"},
		memory.CodePattern{Snippet: "xs.reduce((a, b) => a + b, 0)", Language: "javascript", Complexity: 1},
	)

	first := m.Rank("sum a list in python", slices.Values(ps))
	second := m.Rank("sum a list in python", slices.Values(ps))
	assert.Equal(t, first, second)
	assert.Equal(t, "sum(xs)", first[0].Pattern.Snippet)
}

func TestRank_LanguageBonus(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "reverse(xs)", Language: "generic"},
		memory.CodePattern{Snippet: "reverse(xs)", Language: "Rust"},
	)

	results := m.Rank("reverse in rust", slices.Values(ps))
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Position)
	assert.InDelta(t, DefaultWeights().Language, results[0].Score-results[1].Score, 1e-9)
}

func TestRank_PrefersLowerComplexity(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "merge_sort(xs)", Language: "generic", Complexity: 9},
		memory.CodePattern{Snippet: "merge_sort(xs)", Language: "generic", Complexity: 1},
	)

	results := m.Rank("merge sort", slices.Values(ps))
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Position)
}

func TestRank_ComplexityMattersLessForLongRequests(t *testing.T) {
	m := New()
	ps := patternsOf(memory.CodePattern{Snippet: "noop()", Language: "generic", Complexity: 1})

	short := m.Rank("noop", slices.Values(ps))
	long := m.Rank("noop alpha beta gamma delta epsilon zeta eta", slices.Values(ps))

	// c=1 gives penalty 0.5, scaled by 0.2 and then by simplicity.
	assert.InDelta(t, 1.0-0.1, short[0].Score, 1e-9)
	assert.InDelta(t, 1.0/8.0-0.05, long[0].Score, 1e-9)
}

func TestRank_PartialHits(t *testing.T) {
	m := New()
	ps := patternsOf(
		memory.CodePattern{Snippet: "quicksort(xs)", Language: "generic"},
		memory.CodePattern{Snippet: "sort(xs)", Language: "generic"},
		memory.CodePattern{Snippet: "shuffle(xs)", Language: "generic"},
	)

	results := m.Rank("sort", slices.Values(ps))
	require.Len(t, results, 3)

	byPos := make(map[int]Result)
	for _, r := range results {
		byPos[r.Position] = r
	}
	assert.InDelta(t, 0.5, byPos[0].Relevance, 1e-9, "substring hit")
	assert.InDelta(t, 1.0, byPos[1].Relevance, 1e-9, "exact hit")
	assert.InDelta(t, 0.0, byPos[2].Relevance, 1e-9, "no hit")
	assert.Equal(t, 1, results[0].Position)
}

func TestRank_ShortTermsNeverPartial(t *testing.T) {
	m := New()
	ps := patternsOf(memory.CodePattern{Snippet: "goroutine()", Language: "generic"})

	results := m.Rank("go", slices.Values(ps))
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Relevance)
}

func TestRank_StopWordsOnlyRequest(t *testing.T) {
	m := New()
	ps := patternsOf(memory.CodePattern{Snippet: "the_thing()", Language: "generic"})

	results := m.Rank("the of and", slices.Values(ps))
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Relevance)
}

func TestRank_CustomWeights(t *testing.T) {
	m := New(WithWeights(Weights{Lexical: 2, Language: 0, Complexity: 0}), WithSimpleRequestTerms(2))
	ps := patternsOf(memory.CodePattern{Snippet: "sort(xs)", Language: "go", Complexity: 100})

	results := m.Rank("sort in go", slices.Values(ps))
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestRank_FromPatternStore(t *testing.T) {
	store := memory.NewPatternStore()
	seeds := []memory.Seed{
		{Snippet: "binary_search(xs, x)", Language: "generic"},
		{Snippet: "bubble_sort(...)", Language: "generic", Complexity: 1},
	}
	_, err := store.Seed(t.Context(), slices.Values(seeds))
	require.NoError(t, err)

	results := New().Rank("sort an array", store.All())
	require.Len(t, results, 2)
	assert.Equal(t, "bubble_sort(...)", results[0].Pattern.Snippet)
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"sort", "array", "quickly"}, New().Terms("Sort an ARRAY, quickly! sort"))
}
