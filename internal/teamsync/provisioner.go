package teamsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Provisioner is the external capability that creates, updates, and archives
// the collaboration-team resource tied to a directory entry. Implementations
// must be idempotent under at-least-once invocation; the reconciler depends
// on that contract.
type Provisioner interface {
	Create(ctx context.Context, entry DirectoryEntry) (string, error)
	Update(ctx context.Context, old, updated DirectoryEntry) error
	Archive(ctx context.Context, teamID string) error
}

type NoopProvisioner struct{}

func (NoopProvisioner) Create(ctx context.Context, entry DirectoryEntry) (string, error) {
	return "noop_" + entry.ItemID, nil
}

func (NoopProvisioner) Update(ctx context.Context, old, updated DirectoryEntry) error {
	return nil
}

func (NoopProvisioner) Archive(ctx context.Context, teamID string) error {
	return nil
}

type HTTPProvisioner struct {
	api *apiClient
}

func NewHTTPProvisioner(opts APIClientOptions) *HTTPProvisioner {
	return &HTTPProvisioner{api: newAPIClient(opts)}
}

type teamRequest struct {
	ItemID   string `json:"itemId"`
	Name     string `json:"name"`
	Gate     string `json:"gate,omitempty"`
	MeetTime string `json:"meetTime,omitempty"`
	Location string `json:"location,omitempty"`
}

type teamResponse struct {
	TeamID string `json:"teamId"`
}

func teamRequestFromEntry(entry DirectoryEntry) teamRequest {
	return teamRequest{
		ItemID:   entry.ItemID,
		Name:     entry.Name,
		Gate:     entry.Gate,
		MeetTime: entry.MeetTime,
		Location: entry.Location,
	}
}

// Create keys the request with the remote item identifier so a retried create
// for an already-provisioned item resolves to the same team.
func (p *HTTPProvisioner) Create(ctx context.Context, entry DirectoryEntry) (string, error) {
	if p == nil || p.api == nil {
		return "", fmt.Errorf("provisioner is nil")
	}
	headers := map[string]string{"X-Idempotency-Key": entry.ItemID}
	var resp teamResponse
	if err := p.api.do(ctx, http.MethodPost, "/v1/teams", headers, teamRequestFromEntry(entry), &resp); err != nil {
		return "", err
	}
	teamID := strings.TrimSpace(resp.TeamID)
	if teamID == "" {
		return "", fmt.Errorf("provisioning returned empty team id for item %s", entry.ItemID)
	}
	return teamID, nil
}

func (p *HTTPProvisioner) Update(ctx context.Context, old, updated DirectoryEntry) error {
	if p == nil || p.api == nil {
		return fmt.Errorf("provisioner is nil")
	}
	teamID := strings.TrimSpace(old.TeamID)
	if teamID == "" {
		return fmt.Errorf("cannot update unprovisioned entry for item %s", old.ItemID)
	}
	path := "/v1/teams/" + url.PathEscape(teamID)
	return p.api.do(ctx, http.MethodPatch, path, nil, teamRequestFromEntry(updated), nil)
}

func (p *HTTPProvisioner) Archive(ctx context.Context, teamID string) error {
	if p == nil || p.api == nil {
		return fmt.Errorf("provisioner is nil")
	}
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return ErrInvalidInput
	}
	path := "/v1/teams/" + url.PathEscape(teamID) + "/archive"
	return p.api.do(ctx, http.MethodPost, path, nil, nil, nil)
}
