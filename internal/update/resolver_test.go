package update

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newGitHubServer(t *testing.T, status int, body string) (*GitHubSource, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/repos/LaszloRobert/projectshelf/releases/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != "ProjectShelf-UpdateChecker" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
			t.Errorf("Accept = %q", got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	src := NewGitHubSource("LaszloRobert", "projectshelf")
	src.BaseURL = srv.URL
	return src, &hits
}

func TestResolverCheckForUpdates(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		status      int
		body        string
		wantErr     bool
		wantUpdate  bool
		wantLatest  string
		wantError   string
		wantMessage string
		wantInfo    bool
	}{
		{
			name:       "newer release",
			current:    "1.2.0",
			status:     http.StatusOK,
			body:       `{"name":"1.3.0","tag_name":"v1.3.0","html_url":"https://github.com/x/releases/v1.3.0","body":"notes","published_at":"2026-01-02T03:04:05Z"}`,
			wantUpdate: true, wantLatest: "1.3.0", wantInfo: true,
		},
		{
			name:       "same version",
			current:    "1.3.0",
			status:     http.StatusOK,
			body:       `{"name":"1.3.0","tag_name":"v1.3.0"}`,
			wantLatest: "1.3.0",
		},
		{
			name:      "no releases",
			current:   "1.2.0",
			status:    http.StatusNotFound,
			body:      `{"message":"Not Found"}`,
			wantError: "No releases found",
		},
		{
			name:        "prerelease",
			current:     "1.2.0",
			status:      http.StatusOK,
			body:        `{"name":"1.4.0-rc1","prerelease":true}`,
			wantMessage: "Latest release is draft or prerelease",
		},
		{
			name:        "draft",
			current:     "1.2.0",
			status:      http.StatusOK,
			body:        `{"name":"1.4.0","draft":true}`,
			wantMessage: "Latest release is draft or prerelease",
		},
		{
			name:      "rate limited",
			current:   "1.2.0",
			status:    http.StatusForbidden,
			body:      `{"message":"API rate limit exceeded"}`,
			wantErr:   true,
			wantError: "Failed to check for updates",
		},
		{
			name:       "name falls back to tag",
			current:    "1.2.0",
			status:     http.StatusOK,
			body:       `{"name":"","tag_name":"v1.5.0"}`,
			wantUpdate: true, wantLatest: "1.5.0", wantInfo: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, _ := newGitHubServer(t, tt.status, tt.body)
			r := NewResolver(src, tt.current, 0)
			defer r.Close()

			res, err := r.CheckForUpdates(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrRegistry) {
				t.Errorf("err = %v, want ErrRegistry", err)
			}
			if res.CurrentVersion != tt.current {
				t.Errorf("CurrentVersion = %q", res.CurrentVersion)
			}
			if res.HasUpdate != tt.wantUpdate || res.LatestVersion != tt.wantLatest {
				t.Errorf("HasUpdate/LatestVersion = %v/%q, want %v/%q", res.HasUpdate, res.LatestVersion, tt.wantUpdate, tt.wantLatest)
			}
			if res.Error != tt.wantError || res.Message != tt.wantMessage {
				t.Errorf("Error/Message = %q/%q", res.Error, res.Message)
			}
			if (res.ReleaseInfo != nil) != tt.wantInfo {
				t.Errorf("ReleaseInfo = %+v, want present=%v", res.ReleaseInfo, tt.wantInfo)
			}
		})
	}
}

func TestResolverCachesResults(t *testing.T) {
	src, hits := newGitHubServer(t, http.StatusNotFound, `{}`)
	r := NewResolver(src, "1.0.0", 0)
	defer r.Close()

	for i := 0; i < 3; i++ {
		if _, err := r.CheckForUpdates(context.Background()); err != nil {
			t.Fatalf("CheckForUpdates: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("source hit %d times, want 1 (404 result is cached)", got)
	}

	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("Refresh should bypass cache, hits = %d", got)
	}
}

func TestResolverDoesNotCacheHardErrors(t *testing.T) {
	src, hits := newGitHubServer(t, http.StatusBadGateway, `oops`)
	r := NewResolver(src, "1.0.0", 0)
	defer r.Close()

	for i := 0; i < 2; i++ {
		if _, err := r.CheckForUpdates(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("hard errors must not be cached, hits = %d", got)
	}
}

func TestResolverUnreachable(t *testing.T) {
	src := NewGitHubSource("LaszloRobert", "projectshelf")
	src.BaseURL = "http://127.0.0.1:1"
	r := NewResolver(src, "1.0.0", 0)
	defer r.Close()

	res, err := r.CheckForUpdates(context.Background())
	if !errors.Is(err, ErrRegistry) {
		t.Fatalf("err = %v, want ErrRegistry", err)
	}
	if res.HasUpdate || res.Error != "Failed to check for updates" {
		t.Errorf("degraded result = %+v", res)
	}
}

// gatedSource blocks LatestRelease until release is closed.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) LatestRelease(ctx context.Context) (*ReleaseDescriptor, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
	}
	select {
	case <-s.release:
		return &ReleaseDescriptor{Name: "1.3.0", TagName: "v1.3.0"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestResolverSharedLookupSurvivesCallerCancel(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(src, "1.2.0", time.Minute)
	defer r.Close()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(first)
		firstErr <- err
	}()
	<-src.entered

	type result struct {
		res VersionCheckResult
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := r.Refresh(context.Background())
		second <- result{res, err}
	}()
	// Let the second caller join the flight before the first one leaves.
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want context.Canceled", err)
	}

	close(src.release)
	got := <-second
	if got.err != nil {
		t.Fatalf("second caller err = %v", got.err)
	}
	if !got.res.HasUpdate || got.res.LatestVersion != "1.3.0" {
		t.Errorf("second caller result = %+v", got.res)
	}
	if r.LatestVersion() != "1.3.0" {
		t.Errorf("shared result was not cached")
	}
}
