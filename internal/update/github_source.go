package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReleaseSource returns the newest published release.
type ReleaseSource interface {
	LatestRelease(ctx context.Context) (*ReleaseDescriptor, error)
}

// GitHubSource reads releases/latest from the GitHub REST API.
type GitHubSource struct {
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client
}

// NewGitHubSource creates a source for owner/repo on api.github.com.
func NewGitHubSource(owner, repo string) *GitHubSource {
	return &GitHubSource{
		Owner:   owner,
		Repo:    repo,
		BaseURL: "https://api.github.com",
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// gitHubRelease is the wire shape of a GitHub release.
type gitHubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// LatestRelease fetches the latest release. A 404 is ErrNoReleases; other
// failures wrap ErrRegistry.
func (s *GitHubSource) LatestRelease(ctx context.Context) (*ReleaseDescriptor, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", strings.TrimRight(s.BaseURL, "/"), s.Owner, s.Repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// GitHub API requires a user agent
	req.Header.Set("User-Agent", "ProjectShelf-UpdateChecker")
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch latest release: %v", ErrRegistry, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoReleases
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status code %d: %s", ErrRegistry, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var release gitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("%w: failed to decode release: %v", ErrRegistry, err)
	}

	return &ReleaseDescriptor{
		Name:         release.Name,
		TagName:      release.TagName,
		PublishedAt:  release.PublishedAt,
		URL:          release.HTMLURL,
		Notes:        release.Body,
		IsDraft:      release.Draft,
		IsPrerelease: release.Prerelease,
	}, nil
}
