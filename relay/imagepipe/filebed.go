package imagepipe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/client"
	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// filebedRecoveryTime is how long a failed upload endpoint stays disabled
// before it is retried.
const filebedRecoveryTime = 300 * time.Second

// uploader rotates over the configured file-bed endpoints, disabling the
// ones that fail and re-enabling them after the recovery window.
type uploader struct {
	mu       sync.Mutex
	disabled map[string]time.Time
	rrIndex  int
}

func newUploader() *uploader {
	return &uploader{disabled: map[string]time.Time{}}
}

type uploadRequest struct {
	FileName string `json:"file_name"`
	FileData string `json:"file_data"`
	APIKey   string `json:"api_key,omitempty"`
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

// order returns the endpoints to try, in strategy order. Expired disables
// are recovered first; disabled endpoints are filtered out.
func (u *uploader) order(endpoints []config.FilebedEndpoint, strategy string) []config.FilebedEndpoint {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	for name, since := range u.disabled {
		if now.Sub(since) > filebedRecoveryTime {
			delete(u.disabled, name)
			logger.Logger.Info("file-bed endpoint recovered", zap.String("endpoint", name))
		}
	}

	var active []config.FilebedEndpoint
	for _, ep := range endpoints {
		if ep.Enabled {
			if _, off := u.disabled[ep.Name]; !off {
				active = append(active, ep)
			}
		}
	}
	if len(active) == 0 {
		return nil
	}

	switch strategy {
	case "round_robin":
		start := u.rrIndex % len(active)
		u.rrIndex++
		return append(append([]config.FilebedEndpoint{}, active[start:]...), active[:start]...)
	case "failover":
		start := u.rrIndex % len(active)
		return append(append([]config.FilebedEndpoint{}, active[start:]...), active[:start]...)
	default: // random
		shuffled := append([]config.FilebedEndpoint{}, active...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	}
}

func (u *uploader) disable(name string) {
	u.mu.Lock()
	u.disabled[name] = time.Now()
	u.mu.Unlock()
}

// failoverAdvance moves the failover cursor off a dead primary so later
// uploads start from the next endpoint.
func (u *uploader) failoverAdvance() {
	u.mu.Lock()
	u.rrIndex++
	u.mu.Unlock()
}

// Upload pushes a data-URI image to the first endpoint that accepts it.
// Returns the public URL, or an error when every endpoint failed.
func (u *uploader) Upload(ctx context.Context, settings *config.Settings, fileName, dataURI string) (string, error) {
	order := u.order(settings.FileBedEndpoints, settings.FileBedSelectionStrategy)
	if len(order) == 0 {
		return "", errors.New("no active file-bed endpoint")
	}

	var lastErr error
	for i, ep := range order {
		url, err := uploadToEndpoint(ctx, ep, fileName, dataURI)
		if err == nil {
			logger.Logger.Info("image uploaded to file bed",
				zap.String("endpoint", ep.Name))
			return url, nil
		}
		logger.Logger.Warn("file-bed upload failed",
			zap.String("endpoint", ep.Name), zap.Error(err))
		u.disable(ep.Name)
		if settings.FileBedSelectionStrategy == "failover" && i == 0 {
			u.failoverAdvance()
		}
		lastErr = err
	}
	return "", errors.Wrap(lastErr, "all file-bed endpoints failed")
}

func uploadToEndpoint(ctx context.Context, ep config.FilebedEndpoint, fileName, dataURI string) (string, error) {
	payload, err := json.Marshal(uploadRequest{
		FileName: fileName,
		FileData: dataURI,
		APIKey:   ep.APIKey,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal upload request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.UserContentRequestHTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "post upload")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read upload response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("upload returned status %d: %s", resp.StatusCode, body)
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if parsed.URL != "" {
		return parsed.URL, nil
	}
	if !parsed.Success || parsed.Filename == "" {
		return "", errors.Errorf("upload rejected: %s", parsed.Error)
	}
	// the companion file-bed server saves under /uploads next to /upload
	base := strings.TrimSuffix(strings.TrimSuffix(ep.URL, "/upload"), "/")
	return base + "/uploads/" + parsed.Filename, nil
}
