package searchhints

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/types"
)

type cannedSource struct {
	result types.FetchResult
	calls  int
}

func (s *cannedSource) Fetch(context.Context, types.FetchParams) types.FetchResult {
	s.calls++
	return s.result
}

const searchPageHTML = `<html><body>
<div class="gsc_1usr">
  <h3 class="gs_ai_name"><a href="/citations?user=AbCdEfGhIjKl">Grace Hopper</a></h3>
  <div class="gs_ai_aff">Yale University</div>
</div>
<div class="gsc_1usr">
  <h3 class="gs_ai_name"><a href="/citations?user=MnOpQrStUvWx">G. Murray Hopper</a></h3>
  <div class="gs_ai_aff">Navy Research</div>
</div>
<div class="gsc_1usr">
  <h3 class="gs_ai_name"><a href="/citations?user=ZzYyXxWwVvUu">Enrico Fermi</a></h3>
  <div class="gs_ai_aff">University of Chicago</div>
</div>
</body></html>`

func newTestHinter(source *cannedSource) *Hinter {
	return New(source, nil, nil, nil, config.AuthorSearchConfig{}, nil)
}

func TestSuggestRanksByNameCloseness(t *testing.T) {
	source := &cannedSource{result: types.FetchResult{StatusCode: 200, Body: []byte(searchPageHTML)}}
	hints, err := newTestHinter(source).Suggest(context.Background(), "Grace Hopper", 5)
	require.NoError(t, err)

	require.NotEmpty(t, hints)
	assert.Equal(t, "AbCdEfGhIjKl", hints[0].ScholarID)
	assert.Equal(t, 1.0, hints[0].Confidence)
	for _, h := range hints {
		assert.NotEqual(t, "Enrico Fermi", h.DisplayName, "unrelated names must fall below the confidence floor")
	}
}

func TestSuggestBlockedSearchIsError(t *testing.T) {
	source := &cannedSource{result: types.FetchResult{StatusCode: 429, Body: []byte("slow down")}}
	_, err := newTestHinter(source).Suggest(context.Background(), "Grace Hopper", 5)
	assert.Error(t, err)
}

func TestSuggestEmptyQueryIsError(t *testing.T) {
	source := &cannedSource{}
	_, err := newTestHinter(source).Suggest(context.Background(), "  ", 5)
	assert.Error(t, err)
	assert.Zero(t, source.calls)
}

func TestNameConfidence(t *testing.T) {
	assert.Equal(t, 1.0, nameConfidence("Grace Hopper", "grace  hopper"))
	assert.Greater(t, nameConfidence("Grace Hopper", "Grace M Hopper"), 0.7)
	assert.Less(t, nameConfidence("Grace Hopper", "Enrico Fermi"), minHintConfidence)
	assert.Zero(t, nameConfidence("", "anything"))
}
