// Package seed implements the bbox x zoom cache-warming and cleanup
// scheduler (spec.md C10): bounded-concurrency enumeration of tiles driven
// by a counting semaphore, three refreshBefore policies, and a retry
// wrapper, grounded on the teacher's step-numbered progress-logging idiom
// (cmd/geo-index/main.go) adapted to per-tile counters instead of
// per-phase steps.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilecache"
	"github.com/jcom-dev/tileserver/internal/tilemath"
)

// Descriptor configures one seed or cleanup run (spec.md §3).
type Descriptor struct {
	ID               string
	BBoxes           []tilemath.BBox
	Zooms            []int
	Concurrency      int // 0 -> runtime.NumCPU()
	MaxTry           int
	Timeout          time.Duration
	StoreMD5         bool
	StoreTransparent bool
	SourceURL        string
	RefreshBefore    store.RefreshBefore
}

func (d Descriptor) concurrency() int64 {
	if d.Concurrency > 0 {
		return int64(d.Concurrency)
	}
	return int64(runtime.NumCPU())
}

// Progress is reported periodically during a run; callers may ignore it.
type Progress struct {
	Total     int64
	Completed int64
	Skipped   int64
	Failed    int64
}

// Seed enumerates every (z,x,y) in d's bboxes/zooms and ensures each is
// present and fresh in s, per the refreshBefore policy. Metadata is merged
// into the store before any tile fetch begins (spec.md §5's ordering
// invariant).
func Seed(ctx context.Context, s store.Store, d Descriptor, cache *tilecache.Cache, onProgress func(Progress)) error {
	if err := s.PutMetadata(ctx, map[string]any{"seed_started": time.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("seed: write seed-start metadata: %w", err)
	}

	groups := enumerateBBoxes(d.BBoxes, d.Zooms, tilemath.SchemeXYZ)
	total := tilemath.TotalTiles(groups)

	sem := semaphore.NewWeighted(d.concurrency())
	var completed, skipped, failed atomic.Int64

	descriptor := store.Descriptor{SourceURL: d.SourceURL, StoreMD5: d.StoreMD5, StoreTransparent: d.StoreTransparent}

	for _, g := range groups {
		for x := g.XMin; x <= g.XMax; x++ {
			for y := g.YMin; y <= g.YMax; y++ {
				if err := sem.Acquire(ctx, 1); err != nil {
					return fmt.Errorf("seed: acquire worker slot: %w", err)
				}

				z, x, y := g.Z, x, y
				go func() {
					defer sem.Release(1)
					defer reportProgress(&completed, &skipped, &failed, total, onProgress)

					need, err := needDownload(ctx, s, d, z, x, y)
					if err != nil {
						failed.Add(1)
						slog.Warn("seed: needDownload check failed", "id", d.ID, "z", z, "x", x, "y", y, "error", err)
						return
					}
					if !need {
						skipped.Add(1)
						return
					}

					err = retry(func() error {
						_, err := cache.GetOrFetch(ctx, d.ID, s, descriptor, z, x, y, d.MaxTry, d.Timeout)
						return err
					}, d.MaxTry, 0)
					if err != nil {
						if errors.Is(err, store.ErrUpstreamEmpty) {
							skipped.Add(1)
							return
						}
						failed.Add(1)
						slog.Warn("seed: fetch failed", "id", d.ID, "z", z, "x", x, "y", y, "error", err)
						return
					}
					completed.Add(1)
				}()
			}
		}
	}

	if err := sem.Acquire(ctx, d.concurrency()); err != nil {
		return fmt.Errorf("seed: wait for workers to drain: %w", err)
	}

	slog.Info("seed: run complete", "id", d.ID, "total", total,
		"completed", completed.Load(), "skipped", skipped.Load(), "failed", failed.Load())
	return nil
}

func reportProgress(completed, skipped, failed *atomic.Int64, total int64, onProgress func(Progress)) {
	if onProgress == nil {
		return
	}
	onProgress(Progress{Total: total, Completed: completed.Load(), Skipped: skipped.Load(), Failed: failed.Load()})
}

// needDownload implements spec.md §4.10's three refreshBefore modes.
func needDownload(ctx context.Context, s store.Store, d Descriptor, z, x, y int) (bool, error) {
	switch d.RefreshBefore.Mode {
	case store.RefreshMD5:
		return needDownloadMD5(ctx, s, d, z, x, y)
	case store.RefreshAge, store.RefreshAbsolute:
		created, err := s.GetTileCreated(ctx, z, x, y)
		if errors.Is(err, store.ErrCreatedNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		threshold := d.RefreshBefore.Timestamp
		if d.RefreshBefore.Mode == store.RefreshAge && d.RefreshBefore.AgeDays > 0 {
			threshold = time.Now().Add(-time.Duration(d.RefreshBefore.AgeDays) * 24 * time.Hour).UnixMilli()
		}
		return created < threshold, nil
	default:
		return true, nil
	}
}

func needDownloadMD5(ctx context.Context, s store.Store, d Descriptor, z, x, y int) (bool, error) {
	probeURL := md5ProbeURL(d.SourceURL, z, x, y)
	etag, err := fetchETag(ctx, probeURL, d.Timeout)
	if err != nil {
		return false, err
	}

	current, err := s.GetTileMD5(ctx, z, x, y)
	if errors.Is(err, store.ErrTileMD5NotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return current != etag, nil
}

// md5ProbeURL derives the MD5 probe URL per spec.md §6: replace the literal
// "{z}/{x}/{y}" path segment with "md5/{z}/{x}/{y}" before substituting the
// actual coordinates.
func md5ProbeURL(template string, z, x, y int) string {
	probeTemplate := strings.Replace(template, "{z}/{x}/{y}", "md5/{z}/{x}/{y}", 1)
	return substituteZXY(probeTemplate, z, x, y)
}

func substituteZXY(template string, z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(template)
}

func fetchETag(ctx context.Context, url string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("seed: build md5 probe request: %w", err)
	}
	req.Header.Set("User-Agent", "Tile Server")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrUpstreamStatus, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return "", store.ErrTileMD5NotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: md5 probe status %d", store.ErrUpstreamStatus, resp.StatusCode)
	}

	return resp.Header.Get("ETag"), nil
}

// retry invokes fn up to maxTry times, sleeping delay between attempts, per
// spec.md §4.10.
func retry(fn func() error, maxTry int, delay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxTry; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if errors.Is(err, store.ErrUpstreamEmpty) {
				return err
			}
			if delay > 0 && attempt < maxTry {
				time.Sleep(delay)
			}
		}
	}
	return lastErr
}

// Cleanup deletes every tile in d's bboxes/zooms whose created timestamp is
// older than cleanUpBefore (ms epoch). It does not prune empty directories;
// cmd/seed runs xyzstore.RemoveEmptyFolders after Cleanup for xyz stores.
func Cleanup(ctx context.Context, s store.Store, d Descriptor, cleanUpBefore int64, onProgress func(Progress)) error {
	groups := enumerateBBoxes(d.BBoxes, d.Zooms, tilemath.SchemeXYZ)
	total := tilemath.TotalTiles(groups)

	sem := semaphore.NewWeighted(d.concurrency())
	var completed, skipped, failed atomic.Int64

	for _, g := range groups {
		for x := g.XMin; x <= g.XMax; x++ {
			for y := g.YMin; y <= g.YMax; y++ {
				if err := sem.Acquire(ctx, 1); err != nil {
					return fmt.Errorf("cleanup: acquire worker slot: %w", err)
				}
				z, x, y := g.Z, x, y
				go func() {
					defer sem.Release(1)
					defer reportProgress(&completed, &skipped, &failed, total, onProgress)

					created, err := s.GetTileCreated(ctx, z, x, y)
					if errors.Is(err, store.ErrCreatedNotFound) {
						skipped.Add(1)
						return
					}
					if err != nil {
						failed.Add(1)
						return
					}
					if created >= cleanUpBefore {
						skipped.Add(1)
						return
					}
					if err := s.DeleteTile(ctx, z, x, y); err != nil {
						failed.Add(1)
						return
					}
					completed.Add(1)
				}()
			}
		}
	}

	if err := sem.Acquire(ctx, d.concurrency()); err != nil {
		return fmt.Errorf("cleanup: wait for workers to drain: %w", err)
	}

	slog.Info("cleanup: run complete", "id", d.ID, "total", humanize.Comma(total),
		"deleted", completed.Load(), "skipped", skipped.Load(), "failed", failed.Load())
	return nil
}

// enumerateBBoxes runs each bbox through TilesFromBBox independently and
// concatenates the resulting zoom groups, deduping exact repeats, instead of
// collapsing the whole set into one enclosing rectangle — spec.md's bboxes
// field is a list of disjoint areas of interest, not a hint for a bounding
// rectangle.
func enumerateBBoxes(boxes []tilemath.BBox, zooms []int, scheme tilemath.Scheme) []tilemath.ZoomGroup {
	if len(boxes) == 0 {
		boxes = []tilemath.BBox{{-180, -85.051129, 180, 85.051129}}
	}

	var groups []tilemath.ZoomGroup
	seen := make(map[tilemath.ZoomGroup]bool)
	for _, b := range boxes {
		for _, g := range tilemath.TilesFromBBox(b, zooms, scheme) {
			if seen[g] {
				continue
			}
			seen[g] = true
			groups = append(groups, g)
		}
	}
	return groups
}

