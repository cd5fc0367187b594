package imagepipe

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/zap"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/image"
	"github.com/lmbridge/lmbridge/common/logger"
)

// SettingsFn returns the current settings snapshot.
type SettingsFn func() *config.Settings

// Pipeline is the inbound image path: optimize, host on a file bed or keep
// inline, and cache results by content hash so the same image never does the
// work twice.
type Pipeline struct {
	settings SettingsFn
	cache    *gocache.Cache
	uploader *uploader
	dl       *downloader
}

func New(settings SettingsFn) *Pipeline {
	s := settings()
	maxDownloads := int64(50)
	if s != nil && s.MaxConcurrentDownloads > 0 {
		maxDownloads = int64(s.MaxConcurrentDownloads)
	}
	return &Pipeline{
		settings: settings,
		cache:    gocache.New(time.Hour, 10*time.Minute),
		uploader: newUploader(),
		dl: &downloader{
			settings: settings,
			sem:      semaphore.NewWeighted(maxDownloads),
		},
	}
}

// Process runs one data-URI image through the configured pipeline and
// returns either a hosted URL or a (possibly optimized) data URI. On
// failure the original payload comes back with the error so callers can
// degrade instead of dropping the attachment.
func (p *Pipeline) Process(ctx context.Context, dataURI string, modelCfg *config.ImageOptimization) (string, error) {
	// Remote URLs pass through untouched; only inline payloads are optimized
	// and re-hosted.
	if !strings.HasPrefix(dataURI, "data:") {
		return dataURI, nil
	}

	s := p.settings()
	if s == nil {
		return dataURI, nil
	}

	merged := config.MergeImageConfig(s.ImageOptimization, modelCfg)
	cacheEnabled := s.ProcessedImageCache.Enabled

	var hash string
	if cacheEnabled {
		hash = image.HashBase64(dataURI)
		if cached, ok := p.cache.Get(hash); ok {
			logger.Logger.Debug("processed-image cache hit", zap.String("hash", hash[:8]))
			return cached.(string), nil
		}
	}

	payload := dataURI
	mimeType := mimeFromDataURI(dataURI)
	if merged.Enabled {
		result, err := image.Optimize(dataURI, merged)
		if err != nil {
			logger.Logger.Warn("image optimization failed, using original", zap.Error(err))
		} else {
			payload = toDataURI(result.Data, result.MimeType)
			mimeType = result.MimeType
		}
	}

	out := payload
	if s.FileBedEnabled {
		url, err := p.uploader.Upload(ctx, s, uploadFileName(mimeType), payload)
		if err != nil {
			logger.Logger.Warn("file-bed upload failed, keeping inline image", zap.Error(err))
		} else {
			out = url
		}
	}

	if cacheEnabled && hash != "" {
		ttl := time.Duration(s.ProcessedImageCache.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		p.cache.Set(hash, out, ttl)
		if max := s.ProcessedImageCache.MaxSize; max > 0 {
			p.evictOldest(max)
		}
	}
	return out, nil
}

// evictOldest drops entries closest to expiry until the cache is back under
// max. Entries share a TTL, so earliest expiry means earliest insertion.
func (p *Pipeline) evictOldest(max int) {
	for p.cache.ItemCount() > max {
		oldestKey := ""
		oldestExp := int64(0)
		for key, item := range p.cache.Items() {
			if oldestKey == "" || item.Expiration < oldestExp {
				oldestKey = key
				oldestExp = item.Expiration
			}
		}
		if oldestKey == "" {
			return
		}
		p.cache.Delete(oldestKey)
	}
}

// FetchAsDataURI downloads a generated image and returns it as a data URI,
// cached by source URL so repeated streams of the same image reuse the
// download.
func (p *Pipeline) FetchAsDataURI(ctx context.Context, url string) (string, error) {
	cacheKey := "dl:" + url
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(string), nil
	}

	data, mimeType, err := p.dl.Download(ctx, url)
	if err != nil {
		return "", err
	}
	uri := toDataURI(data, mimeType)
	p.cache.Set(cacheKey, uri, time.Hour)
	return uri, nil
}

// Markdown renders one generated-image URL for the client stream per the
// configured mode: "base64" embeds the bytes, anything else links the URL.
// Download failures degrade to the URL form. When local saving is enabled
// the bytes are written out in the background.
func (p *Pipeline) Markdown(ctx context.Context, url, requestID string) string {
	s := p.settings()
	if s == nil {
		return fmt.Sprintf("![Image](%s)", url)
	}

	if s.SaveImagesLocally {
		go p.dl.SaveLocally(url, requestID)
	}

	if s.StreamedImageMode == "base64" {
		uri, err := p.FetchAsDataURI(ctx, url)
		if err != nil {
			logger.Logger.Warn("image download failed, falling back to url",
				zap.String("url", url), zap.Error(err))
			return fmt.Sprintf("![Image](%s)", url)
		}
		return fmt.Sprintf("![Image](%s)", uri)
	}
	return fmt.Sprintf("![Image](%s)", url)
}

func toDataURI(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func mimeFromDataURI(dataURI string) string {
	if !strings.HasPrefix(dataURI, "data:") {
		return ""
	}
	header, _, found := strings.Cut(dataURI, ",")
	if !found {
		return ""
	}
	return strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
}

func uploadFileName(mimeType string) string {
	ext := "png"
	switch mimeType {
	case "image/jpeg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	case "image/gif":
		ext = "gif"
	}
	return fmt.Sprintf("image_%s.%s", uuid.NewString(), ext)
}
