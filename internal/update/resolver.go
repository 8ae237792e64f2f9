package update

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"projectshelf/internal/cache"
	"projectshelf/internal/logging"
	"projectshelf/internal/telemetry"
)

const (
	msgNoReleases  = "No releases found"
	msgCheckFailed = "Failed to check for updates"
	msgPrerelease  = "Latest release is draft or prerelease"

	latestKey = "latest"

	// lookupTimeout bounds a shared release lookup, which outlives the
	// request that started it.
	lookupTimeout = 30 * time.Second
)

// Resolver compares the running version with the newest release and
// caches the answer.
type Resolver struct {
	source  ReleaseSource
	current string
	cache   *cache.Cache[VersionCheckResult]
	group   singleflight.Group
	now     func() time.Time
}

// NewResolver creates a resolver. A non-positive ttl means five minutes.
func NewResolver(source ReleaseSource, currentVersion string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		source:  source,
		current: currentVersion,
		cache:   cache.New[VersionCheckResult](ttl),
		now:     time.Now,
	}
}

// CurrentVersion is the version the comparison starts from.
func (r *Resolver) CurrentVersion() string {
	return r.current
}

// Close stops the cache janitor.
func (r *Resolver) Close() {
	r.cache.Close()
}

// CheckForUpdates returns the cached result when fresh, else asks the source.
// On a hard failure it returns a degraded result together with the error;
// the degraded result is not cached.
func (r *Resolver) CheckForUpdates(ctx context.Context) (VersionCheckResult, error) {
	if res, ok := r.cache.Get(latestKey); ok {
		return res, nil
	}
	return r.Refresh(ctx)
}

// Refresh bypasses the cache. Concurrent callers share one lookup; a caller
// whose ctx ends gets a degraded result without cancelling the others.
func (r *Resolver) Refresh(ctx context.Context) (VersionCheckResult, error) {
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(latestKey, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(shared, lookupTimeout)
		defer cancel()
		res, err := r.resolve(lookupCtx)
		if err == nil {
			r.cache.Set(latestKey, res)
		}
		return res, err
	})

	select {
	case out := <-ch:
		return out.Val.(VersionCheckResult), out.Err
	case <-ctx.Done():
		return VersionCheckResult{
			CurrentVersion: r.current,
			Error:          msgCheckFailed,
			CheckedAt:      r.now(),
		}, ctx.Err()
	}
}

// LatestVersion reports the newest cached release name, or "" when no
// fresh result is cached. It never calls the source.
func (r *Resolver) LatestVersion() string {
	res, ok := r.cache.Get(latestKey)
	if !ok {
		return ""
	}
	return res.LatestVersion
}

func (r *Resolver) resolve(ctx context.Context) (res VersionCheckResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "update.check")
	defer func() { telemetry.End(span, err) }()

	res = VersionCheckResult{
		CurrentVersion: r.current,
		CheckedAt:      r.now(),
	}

	release, err := r.source.LatestRelease(ctx)
	switch {
	case errors.Is(err, ErrNoReleases):
		res.Error = msgNoReleases
		return res, nil
	case err != nil:
		logging.Errorf("Failed to check for updates: %v", err)
		res.Error = msgCheckFailed
		return res, err
	}

	if release.IsDraft || release.IsPrerelease {
		res.Message = msgPrerelease
		return res, nil
	}

	latest := strings.TrimSpace(release.Name)
	if latest == "" {
		latest = strings.TrimPrefix(release.TagName, "v")
	}
	res.LatestVersion = latest
	res.HasUpdate = CompareVersions(r.current, latest) < 0

	if res.HasUpdate {
		res.ReleaseInfo = &ReleaseInfo{
			Name:        release.Name,
			Tag:         release.TagName,
			PublishedAt: release.PublishedAt,
			URL:         release.URL,
			Notes:       release.Notes,
		}
	}
	return res, nil
}
