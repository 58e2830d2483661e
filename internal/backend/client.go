// Package backend is the engine's HTTP client for the Control Plane. The
// engine makes exactly two outbound calls: fetching a difficulty's service
// collection at provision time, and a fire-and-forget infrastructure push.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

var ErrEmptyCollection = errors.New("control plane returned no service templates")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchCollection retrieves the default service-template collection for a
// difficulty. An empty collection is an error: a match without services
// cannot be scored.
func (c *Client) FetchCollection(ctx context.Context, difficulty string) ([]sandbox.ServiceTemplate, error) {
	u := fmt.Sprintf("%s/api/match/default-collection?difficulty=%s", c.baseURL, url.QueryEscape(difficulty))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control plane returned %d for collection %q", resp.StatusCode, difficulty)
	}

	var body struct {
		Services []sandbox.ServiceTemplate `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("bad collection response: %w", err)
	}
	if len(body.Services) == 0 {
		return nil, ErrEmptyCollection
	}
	return body.Services, nil
}

// PushInfrastructure notifies the Control Plane of a match's provisioned
// resources. The response is not consumed; a failure is logged by the
// caller, never fatal.
func (c *Client) PushInfrastructure(ctx context.Context, matchID string, infrastructure any) error {
	payload, err := json.Marshal(map[string]any{
		"matchId":        matchID,
		"infrastructure": infrastructure,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/match/infrastructure", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("infrastructure push returned %d", resp.StatusCode)
	}
	log.Debug().Str("match_id", matchID).Msg("infrastructure pushed to control plane")
	return nil
}
