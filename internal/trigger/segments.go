package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSegmentProvider reads segment membership from the profile service:
// GET {base}/segments/{id}/members for the roster and
// GET {base}/entities/{id}/segments for a single entity's memberships.
type HTTPSegmentProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSegmentProvider(baseURL string) *HTTPSegmentProvider {
	return &HTTPSegmentProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPSegmentProvider) ListMembers(ctx context.Context, segmentID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/segments/%s/members", p.baseURL, url.PathEscape(segmentID)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch segment members: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("segment service returned %d", resp.StatusCode)
	}
	var body struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode segment members: %w", err)
	}
	return body.Members, nil
}

func (p *HTTPSegmentProvider) IsMember(ctx context.Context, entityID, segmentID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/entities/%s/segments", p.baseURL, url.PathEscape(entityID)), nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch entity segments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("segment service returned %d", resp.StatusCode)
	}
	var body struct {
		Segments []string `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode entity segments: %w", err)
	}
	for _, id := range body.Segments {
		if id == segmentID {
			return true, nil
		}
	}
	return false, nil
}
