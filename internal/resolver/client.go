package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/pkg/types"
)

// streamClient is one provider client identity the resolver can try. The
// provider serves different format sets (and different throttling rules)
// per client, so the resolver rotates through them on failure.
type streamClient struct {
	Name          string
	ClientName    string
	ClientVersion string
	UserAgent     string
}

var defaultClients = []streamClient{
	{Name: "web", ClientName: "WEB_REMIX", ClientVersion: "1.20240724.00.00", UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"},
	{Name: "mobile", ClientName: "ANDROID_MUSIC", ClientVersion: "7.11.51", UserAgent: "com.google.android.apps.youtube.music/7.11.51 (Linux; U; Android 14)"},
	{Name: "tv", ClientName: "TVHTML5_SIMPLY_EMBEDDED_PLAYER", ClientVersion: "2.0", UserAgent: "Mozilla/5.0 (SMART-TV; Linux; Tizen 7.0)"},
}

// apiClient performs provider player requests with retries and rate
// limiting shared across all client identities.
type apiClient struct {
	baseURL    string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	debug      bool

	requestCount int64
	errorCount   int64
}

func newAPIClient(cfg *config.Config) *apiClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.API.Retries
	retryClient.HTTPClient.Timeout = time.Duration(cfg.API.Timeout) * time.Second
	retryClient.Logger = nil

	// A 429 is a quota answer, not a transient failure: hand it back to
	// fetchFormats unretried so it surfaces as ErrQuotaOrGeo.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	if cfg.Debug {
		retryClient.Logger = &debugLogger{}
	}

	limiter := rate.NewLimiter(
		rate.Limit(cfg.API.RateLimit.RequestsPerSecond),
		cfg.API.RateLimit.BurstSize,
	)

	return &apiClient{
		baseURL:    cfg.API.BaseURL,
		httpClient: retryClient,
		limiter:    limiter,
		debug:      cfg.Debug,
	}
}

type debugLogger struct{}

func (d *debugLogger) Printf(format string, args ...interface{}) {
	log.Printf("[HTTP] "+format, args...)
}

func (c *apiClient) debugLog(format string, args ...interface{}) {
	if !c.debug {
		return
	}
	log.Printf("[RESOLVER] "+format, args...)
}

type playerRequest struct {
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
			HL            string `json:"hl"`
		} `json:"client"`
	} `json:"context"`
	VideoID string `json:"videoId"`
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	StreamingData struct {
		ExpiresInSeconds string       `json:"expiresInSeconds"`
		AdaptiveFormats  []wireFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

type wireFormat struct {
	Itag             int    `json:"itag"`
	URL              string `json:"url"`
	MimeType         string `json:"mimeType"`
	Bitrate          int    `json:"bitrate"`
	AverageBitrate   int    `json:"averageBitrate"`
	ContentLength    string `json:"contentLength"`
	ApproxDurationMs string `json:"approxDurationMs"`
}

// fetchFormats asks one client identity for the track's format list.
func (c *apiClient) fetchFormats(ctx context.Context, client streamClient, trackID string) ([]types.AudioFormat, time.Time, error) {
	startTime := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, time.Time{}, &NetworkError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	var body playerRequest
	body.Context.Client.ClientName = client.ClientName
	body.Context.Client.ClientVersion = client.ClientVersion
	body.Context.Client.HL = "en"
	body.VideoID = trackID

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("marshal player request: %w", err)
	}

	fullURL := c.baseURL + "/player?prettyPrint=false"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create player request: %w", err)
	}

	req.Header.Set("User-Agent", client.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.requestCount++
	c.debugLog("REQUEST #%d [%s] player %s", c.requestCount, client.Name, trackID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount++
		return nil, time.Time{}, &NetworkError{Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.debugLog("Failed to close response body: %v", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden:
		c.errorCount++
		return nil, time.Time{}, fmt.Errorf("%w: HTTP %d", ErrQuotaOrGeo, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.errorCount++
		return nil, time.Time{}, fmt.Errorf("player request failed: HTTP %d", resp.StatusCode)
	}

	var parsed playerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode player response: %w", err)
	}

	c.debugLog("RESPONSE [%s] %s status=%s formats=%d in %v",
		client.Name, trackID, parsed.PlayabilityStatus.Status,
		len(parsed.StreamingData.AdaptiveFormats), time.Since(startTime))

	if parsed.PlayabilityStatus.Status != "OK" {
		return nil, time.Time{}, fmt.Errorf("track not playable via %s: %s",
			client.Name, parsed.PlayabilityStatus.Reason)
	}

	expires := time.Now().Add(defaultURLTTL)
	if secs, err := strconv.Atoi(parsed.StreamingData.ExpiresInSeconds); err == nil && secs > 0 {
		expires = time.Now().Add(time.Duration(secs) * time.Second)
	}

	formats := make([]types.AudioFormat, 0, len(parsed.StreamingData.AdaptiveFormats))
	for _, wf := range parsed.StreamingData.AdaptiveFormats {
		bitrate := wf.AverageBitrate
		if bitrate == 0 {
			bitrate = wf.Bitrate
		}
		var contentLength int64
		if wf.ContentLength != "" {
			contentLength, _ = strconv.ParseInt(wf.ContentLength, 10, 64)
		}
		formats = append(formats, types.AudioFormat{
			MimeType:      mimeBase(wf.MimeType),
			Codecs:        mimeCodecs(wf.MimeType),
			Bitrate:       bitrate,
			ContentLength: contentLength,
			URL:           wf.URL,
		})
	}

	return formats, expires, nil
}

func mimeBase(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		return mime[:i]
	}
	return mime
}

func mimeCodecs(mime string) string {
	const marker = `codecs="`
	if i := strings.Index(mime, marker); i >= 0 {
		rest := mime[i+len(marker):]
		if j := strings.IndexByte(rest, '"'); j >= 0 {
			return rest[:j]
		}
	}
	return ""
}
