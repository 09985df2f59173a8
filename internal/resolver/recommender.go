package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// Recommender asks the provider for tracks related to a seed. It backs
// radio mode's queue extension.
type Recommender struct {
	api *apiClient
}

func NewRecommender(cfg *config.Config) *Recommender {
	return &Recommender{api: newAPIClient(cfg)}
}

type nextRequest struct {
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
			HL            string `json:"hl"`
		} `json:"client"`
	} `json:"context"`
	VideoID string `json:"videoId"`
	Params  string `json:"params"`
}

type nextResponse struct {
	Contents struct {
		Items []struct {
			VideoID      string `json:"videoId"`
			Title        string `json:"title"`
			Artist       string `json:"artist"`
			Album        string `json:"album"`
			LengthMs     int64  `json:"lengthMs"`
			ThumbnailURL string `json:"thumbnailUrl"`
		} `json:"items"`
	} `json:"contents"`
}

// Related returns up to limit tracks the provider considers similar to
// the seed.
func (r *Recommender) Related(ctx context.Context, seedID string, limit int) ([]types.Track, error) {
	if err := r.api.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	client := defaultClients[0]

	var body nextRequest
	body.Context.Client.ClientName = client.ClientName
	body.Context.Client.ClientVersion = client.ClientVersion
	body.Context.Client.HL = "en"
	body.VideoID = seedID
	body.Params = "radio"

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal next request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		r.api.baseURL+"/next?prettyPrint=false", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create next request: %w", err)
	}
	req.Header.Set("User-Agent", client.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.api.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("next request failed: HTTP %d", resp.StatusCode)
	}

	var parsed nextResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode next response: %w", err)
	}

	tracks := make([]types.Track, 0, limit)
	for _, item := range parsed.Contents.Items {
		if item.VideoID == "" || item.VideoID == seedID {
			continue
		}
		tracks = append(tracks, types.Track{
			ID:           item.VideoID,
			Title:        item.Title,
			Artist:       item.Artist,
			Album:        item.Album,
			Duration:     time.Duration(item.LengthMs) * time.Millisecond,
			ThumbnailURL: item.ThumbnailURL,
		})
		if len(tracks) >= limit {
			break
		}
	}

	r.api.debugLog("Related(%s): %d tracks", seedID, len(tracks))
	return tracks, nil
}
