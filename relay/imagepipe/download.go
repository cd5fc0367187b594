package imagepipe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lmbridge/lmbridge/common/client"
	"github.com/lmbridge/lmbridge/common/logger"
)

// localSaveDir is where downloaded generated images land, under a date
// subdirectory.
const localSaveDir = "downloaded_images"

var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// downloader fetches generated images with bounded concurrency and a small
// retry budget.
type downloader struct {
	settings SettingsFn
	sem      *semaphore.Weighted

	mu    sync.Mutex
	saved map[string]bool
}

// Download fetches one image URL. The semaphore caps concurrent fetches so
// an image-heavy response cannot exhaust sockets.
func (d *downloader) Download(ctx context.Context, url string) (data []byte, mimeType string, err error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, "", errors.Wrap(err, "acquire download slot")
	}
	defer d.sem.Release(1)

	s := d.settings()
	maxRetries := 2
	if s != nil && s.DownloadTimeout.MaxRetries > 0 {
		maxRetries = s.DownloadTimeout.MaxRetries
	}
	total := 30 * time.Second
	if s != nil && s.DownloadTimeout.Total > 0 {
		total = time.Duration(s.DownloadTimeout.Total) * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelays[len(retryDelays)-1]
			if attempt-1 < len(retryDelays) {
				delay = retryDelays[attempt-1]
			}
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(delay):
			}
		}

		data, mimeType, lastErr = d.fetchOnce(ctx, url, total)
		if lastErr == nil {
			return data, mimeType, nil
		}
		logger.Logger.Warn("image download attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr))
	}
	return nil, "", lastErr
}

func (d *downloader) fetchOnce(ctx context.Context, url string, timeout time.Duration) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build download request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", "https://lmarena.ai/")

	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "fetch image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "read image body")
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = mimeFromURL(url)
	}
	return data, mimeType, nil
}

// SaveLocally downloads and stores one image under
// downloaded_images/YYYYMMDD/. Each URL is saved at most once per process.
func (d *downloader) SaveLocally(url, requestID string) {
	d.mu.Lock()
	if d.saved == nil {
		d.saved = map[string]bool{}
	}
	if d.saved[url] {
		d.mu.Unlock()
		return
	}
	d.saved[url] = true
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	data, mimeType, err := d.Download(ctx, url)
	if err != nil {
		logger.Logger.Warn("local image save failed", zap.String("url", url), zap.Error(err))
		return
	}

	now := time.Now()
	dir := filepath.Join(localSaveDir, now.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Logger.Warn("cannot create image save dir", zap.Error(err))
		return
	}

	shortID := requestID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	name := fmt.Sprintf("%s_%03d_%s.%s",
		now.Format("20060102_150405"), now.Nanosecond()/1e6, shortID, extForMime(mimeType))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Logger.Warn("cannot write image file", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Logger.Info("image saved locally",
		zap.String("path", path),
		zap.Int("size_kb", len(data)/1024))
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

func mimeFromURL(url string) string {
	lower := strings.ToLower(url)
	if idx := strings.IndexByte(lower, '?'); idx >= 0 {
		lower = lower[:idx]
	}
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/png"
	}
}
