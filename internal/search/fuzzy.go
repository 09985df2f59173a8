package search

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// Engine ranks offline-library tracks against a free-text query.
type Engine struct {
	store *storage.Store
}

func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

type scoredTrack struct {
	track types.Track
	score float64
}

// Search returns downloaded tracks matching the query, best first.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]types.Track, error) {
	if query == "" {
		return nil, nil
	}

	tracks, err := e.store.CompletedDownloads(ctx)
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	var scored []scoredTrack

	for _, track := range tracks {
		score := scoreTrack(track, queryLower)
		if score > 0 {
			scored = append(scored, scoredTrack{track: track, score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	results := make([]types.Track, len(scored))
	for i, s := range scored {
		results[i] = s.track
	}
	return results, nil
}

func scoreTrack(track types.Track, queryLower string) float64 {
	score := 0.0
	title := strings.ToLower(track.Title)
	artist := strings.ToLower(track.Artist)
	album := strings.ToLower(track.Album)

	if strings.Contains(title, queryLower) {
		score += 10.0
	}
	if strings.Contains(artist, queryLower) {
		score += 7.0
	}
	if album != "" && strings.Contains(album, queryLower) {
		score += 5.0
	}

	distance := fuzzy.LevenshteinDistance(queryLower, title)
	if distance <= len(queryLower)/2 {
		score += float64(len(queryLower) - distance)
	}

	if fuzzy.MatchFold(queryLower, title) || fuzzy.MatchFold(queryLower, artist) {
		score += 2.0
	}

	return score
}
