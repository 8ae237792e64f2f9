package update

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"projectshelf/internal/progress"
)

var (
	// ErrNoReleases is returned when the feed has no published release.
	ErrNoReleases = errors.New("no releases found")
	// ErrRegistry wraps failures talking to the release feed.
	ErrRegistry = errors.New("release registry error")
	// ErrConflict is returned when an update is already in flight.
	ErrConflict = progress.ErrConflict
	// ErrNotCancellable is returned once a run has started changing the installation.
	ErrNotCancellable = errors.New("update can no longer be cancelled")
	// ErrCancelled is the failure recorded for a cancelled run.
	ErrCancelled = errors.New("update cancelled")
	// ErrUnknownMethod is returned for methods other than docker and git.
	ErrUnknownMethod = errors.New("unknown update method")
	// ErrRestartTimeout is the failure of a handed off restart that left
	// this process running.
	ErrRestartTimeout = errors.New("new version did not take over")
	// ErrNoRun is returned when there is no run to act on.
	ErrNoRun = errors.New("no update in progress")
)

// Method is an update strategy.
type Method string

const (
	MethodDocker Method = "docker"
	MethodGit    Method = "git"
)

// ParseMethod accepts "", "docker" and "git". The empty method means detect.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MethodDocker, MethodGit:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// ReleaseDescriptor is one release as published by the feed.
type ReleaseDescriptor struct {
	Name         string    `json:"name"`
	TagName      string    `json:"tagName"`
	PublishedAt  time.Time `json:"publishedAt"`
	URL          string    `json:"url"`
	Notes        string    `json:"notes"`
	IsDraft      bool      `json:"isDraft"`
	IsPrerelease bool      `json:"isPrerelease"`
}

// ReleaseInfo is the release summary shown to the user when an update exists.
type ReleaseInfo struct {
	Name        string    `json:"name" yaml:"name"`
	Tag         string    `json:"tag" yaml:"tag"`
	PublishedAt time.Time `json:"publishedAt" yaml:"publishedAt"`
	URL         string    `json:"url" yaml:"url"`
	Notes       string    `json:"notes" yaml:"notes"`
}

// VersionCheckResult is the answer to "is there a newer version".
type VersionCheckResult struct {
	CurrentVersion string       `json:"currentVersion" yaml:"currentVersion"`
	LatestVersion  string       `json:"latestVersion,omitempty" yaml:"latestVersion,omitempty"`
	HasUpdate      bool         `json:"hasUpdate" yaml:"hasUpdate"`
	ReleaseInfo    *ReleaseInfo `json:"releaseInfo" yaml:"releaseInfo"`
	Error          string       `json:"error,omitempty" yaml:"error,omitempty"`
	Message        string       `json:"message,omitempty" yaml:"message,omitempty"`
	CheckedAt      time.Time    `json:"checkedAt" yaml:"checkedAt"`
}
