// Package matchinfo resolves decoded share codes into match metadata
// by asking the match info service, which holds the game coordinator
// session.
package matchinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/services"
	"github.com/Run1e/STRIKER-sub000/internal/sharecode"
)

// Client queries the match info service over HTTP. It satisfies
// services.ShareCodeResolver.
type Client struct {
	log        *log.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a client for the service at baseURL. token may be empty
// when the service is unauthenticated.
func New(logger *log.Logger, baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:        logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve looks up the match behind a decoded share code.
func (c *Client) Resolve(ctx context.Context, share sharecode.Share) (services.MatchInfo, error) {
	q := url.Values{}
	q.Set("matchid", strconv.FormatUint(share.MatchID, 10))
	q.Set("outcomeid", strconv.FormatUint(share.OutcomeID, 10))
	q.Set("token", strconv.FormatUint(uint64(share.TokenID), 10))

	endpoint := c.baseURL + "/match?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.MatchInfo{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	var resp struct {
		MatchTime   int64  `json:"matchtime"`
		DownloadURL string `json:"url"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return services.MatchInfo{}, fmt.Errorf("resolving match %d: %w", share.MatchID, err)
	}
	if resp.DownloadURL == "" {
		return services.MatchInfo{}, fmt.Errorf("match info for %d has no download url", share.MatchID)
	}

	info := services.MatchInfo{DownloadURL: resp.DownloadURL}
	if resp.MatchTime > 0 {
		t := time.Unix(resp.MatchTime, 0).UTC()
		info.Time = &t
	}

	c.log.Printf("resolved match=%d url=%s", share.MatchID, resp.DownloadURL)
	return info, nil
}

// doJSON performs the request and decodes a successful JSON body.
func (c *Client) doJSON(req *http.Request, dst any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("match info service returned status=%d body=%q",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
