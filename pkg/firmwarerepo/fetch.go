package firmwarerepo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/beltctx"
	"github.com/facebookincubator/go-belt/tool/experimental/tracer"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// manifestKeys maps a device role to its record key inside manifest.json.
var manifestKeys = map[firmware.Role]string{
	firmware.RoleScanner: "c5",
	firmware.RoleGateway: "wroom",
}

// FetchLatest returns the firmware images the distribution point currently
// designates as latest, one per role, digest-verified.
//
// A network failure (after retries) or a digest mismatch is fatal for the
// caller's run: flashing with unverified images is never attempted.
func (repo *Repo) FetchLatest(ctx context.Context) (*firmware.Release, error) {
	span, ctx := tracer.StartChildSpanFromCtx(ctx, "FirmwareRepo.FetchLatest")
	defer span.Finish()
	log := logger.FromCtx(ctx)

	if repo.Config.Fresh {
		log.Debugf("wiping firmware cache '%s'", repo.Config.CacheDir)
		if err := os.RemoveAll(repo.Config.CacheDir); err != nil {
			return nil, fmt.Errorf("unable to wipe the firmware cache: %w", err)
		}
	}

	manifest, err := repo.fetchWithRetries(ctx, repo.baseURL+manifestFilename)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch the firmware manifest: %w", err)
	}

	release := &firmware.Release{}
	var mu sync.Mutex
	var resultErr *multierror.Error

	var wg sync.WaitGroup
	for _, role := range firmware.Roles() {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			image, imageErr := repo.fetchImage(ctx, manifest, role)
			mu.Lock()
			defer mu.Unlock()
			if imageErr != nil {
				resultErr = multierror.Append(resultErr, imageErr)
				return
			}
			switch role {
			case firmware.RoleScanner:
				release.Scanner = image
			case firmware.RoleGateway:
				release.Gateway = image
			}
		}()
	}
	wg.Wait()

	if err := resultErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return release, nil
}

func (repo *Repo) fetchImage(
	ctx context.Context,
	manifest []byte,
	role firmware.Role,
) (*firmware.Image, error) {
	ctx = beltctx.WithField(ctx, "role", string(role))
	log := logger.FromCtx(ctx)

	key := manifestKeys[role]
	record := gjson.GetBytes(manifest, key)
	if !record.Exists() {
		return nil, ErrManifest{Key: key, Field: key}
	}
	version := record.Get("version").String()
	if version == "" {
		return nil, ErrManifest{Key: key, Field: "version"}
	}
	filename := record.Get("mergedFilename").String()
	if filename == "" {
		return nil, ErrManifest{Key: key, Field: "mergedFilename"}
	}
	digest := record.Get("sha256").String()

	image := &firmware.Image{
		Role:     role,
		Version:  version,
		Filename: filename,
		SHA256:   digest,
	}

	if body, ok := repo.cachedPayload(ctx, image); ok {
		log.Debugf("%s (cached)", filename)
		image.Body = body
		image.ID = firmware.NewImageIDFromImage(body)
		return image, nil
	}

	data, err := repo.fetchDeduplicated(ctx, repo.baseURL+filename)
	if err != nil {
		return nil, err
	}

	body, err := decodePayload(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	image.Body = body
	image.ID = firmware.NewImageIDFromImage(body)

	if err := image.VerifyDigest(); err != nil {
		return nil, err
	}

	repo.storeInCache(ctx, image)
	log.Debugf("fetched '%s' version:%s id:%s size:%d",
		filename, version, image.ID, len(body))
	return image, nil
}

// fetchDeduplicated downloads a URL, reusing an in-flight download of the
// same URL if there is one.
type fetchJob struct {
	data     []byte
	err      error
	doneChan chan struct{}
}

func (repo *Repo) fetchDeduplicated(ctx context.Context, url string) ([]byte, error) {
	repo.fetchJobsMutex.Lock()
	job := repo.fetchJobs[url]
	if job == nil {
		job = &fetchJob{doneChan: make(chan struct{})}
		repo.fetchJobs[url] = job
		go func() {
			defer close(job.doneChan)
			job.data, job.err = repo.fetchWithRetries(ctx, url)

			repo.fetchJobsMutex.Lock()
			delete(repo.fetchJobs, url)
			repo.fetchJobsMutex.Unlock()
		}()
	}
	repo.fetchJobsMutex.Unlock()

	select {
	case <-job.doneChan:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logger.FromCtx(ctx).Debugf("download '%s' result: len:%d, err:%v", url, len(job.data), job.err)
	return job.data, job.err
}

func (repo *Repo) fetchWithRetries(ctx context.Context, url string) ([]byte, error) {
	log := logger.FromCtx(ctx)

	var lastErr error
	for attempt := 0; attempt < repo.Config.Retries; attempt++ {
		if attempt > 0 {
			wait := repo.Config.Backoff(attempt - 1)
			log.Debugf("retry in %s... (%v)", wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := repo.httpFetch(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (repo *Repo) httpFetch(ctx context.Context, url string) ([]byte, error) {
	log := logger.FromCtx(ctx)
	log.Debugf("downloading a file from '%s'", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ErrHTTPMakeRequest{Err: err, URL: url}
	}
	req.Header.Set("User-Agent", repo.Config.UserAgent)

	resp, err := repo.Config.HTTPClient.Do(req)
	if err != nil {
		return nil, ErrHTTPGet{Err: err, URL: url}
	}
	defer resp.Body.Close()
	log.Debugf("status code: %d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrHTTPGet{Err: fmt.Errorf("invalid status code: %d", resp.StatusCode), URL: url}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrHTTPGetBody{Err: err, URL: url}
	}
	return data, nil
}

// cachedPayload returns the cached payload of the image if present and
// still matching the expected digest.
func (repo *Repo) cachedPayload(ctx context.Context, image *firmware.Image) ([]byte, bool) {
	path := filepath.Join(repo.Config.CacheDir, image.Filename)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	probe := *image
	probe.Body = body
	if err := probe.VerifyDigest(); err != nil {
		logger.FromCtx(ctx).Warnf("cached '%s' is stale or damaged, re-downloading: %v", image.Filename, err)
		_ = os.Remove(path)
		return nil, false
	}
	return body, true
}

func (repo *Repo) storeInCache(ctx context.Context, image *firmware.Image) {
	// Cache failures are not fatal: the image in memory is already
	// verified, the next run will just re-download.
	log := logger.FromCtx(ctx)
	if err := os.MkdirAll(repo.Config.CacheDir, 0o755); err != nil {
		log.Warnf("unable to create the firmware cache dir: %v", err)
		return
	}
	path := filepath.Join(repo.Config.CacheDir, image.Filename)
	if err := os.WriteFile(path, image.Body, 0o644); err != nil {
		log.Warnf("unable to cache '%s': %v", image.Filename, err)
	}
}
