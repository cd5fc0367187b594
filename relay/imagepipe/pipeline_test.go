package imagepipe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/common/config"
)

func testPNGDataURI(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func settingsFn(s *config.Settings) SettingsFn {
	return func() *config.Settings { return s }
}

func newUploadServer(t *testing.T, hits *atomic.Int32, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req uploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, strings.HasPrefix(req.FileData, "data:image/"))
		_ = json.NewEncoder(w).Encode(uploadResponse{Success: true, Filename: "abc.png"})
	}))
}

func TestProcessInlineWithoutFilebed(t *testing.T) {
	s := &config.Settings{
		ProcessedImageCache: config.CacheSettings{Enabled: true, TTLSeconds: 60, MaxSize: 10},
		ImageOptimization:   config.ImageOptimization{Enabled: true, ConvertPNGToJPG: true, JPEGQuality: 80, MaxWidth: 8, MaxHeight: 8},
	}
	p := New(settingsFn(s))

	out, err := p.Process(context.Background(), testPNGDataURI(t), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "data:image/jpeg;base64,"))
}

func TestProcessUploadsToFilebed(t *testing.T) {
	var hits atomic.Int32
	server := newUploadServer(t, &hits, false)
	t.Cleanup(server.Close)

	s := &config.Settings{
		FileBedEnabled:           true,
		FileBedEndpoints:         []config.FilebedEndpoint{{Name: "main", URL: server.URL + "/upload", Enabled: true}},
		FileBedSelectionStrategy: "failover",
		ProcessedImageCache:      config.CacheSettings{Enabled: true, TTLSeconds: 60, MaxSize: 10},
	}
	p := New(settingsFn(s))

	out, err := p.Process(context.Background(), testPNGDataURI(t), nil)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/uploads/abc.png", out)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProcessCacheHitSkipsEndpoints(t *testing.T) {
	var hits atomic.Int32
	server := newUploadServer(t, &hits, false)
	t.Cleanup(server.Close)

	s := &config.Settings{
		FileBedEnabled:           true,
		FileBedEndpoints:         []config.FilebedEndpoint{{Name: "main", URL: server.URL + "/upload", Enabled: true}},
		FileBedSelectionStrategy: "random",
		ProcessedImageCache:      config.CacheSettings{Enabled: true, TTLSeconds: 60, MaxSize: 10},
	}
	p := New(settingsFn(s))

	uri := testPNGDataURI(t)
	first, err := p.Process(context.Background(), uri, nil)
	require.NoError(t, err)
	second, err := p.Process(context.Background(), uri, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// the second call is served from cache without touching the file bed
	assert.Equal(t, int32(1), hits.Load())
}

func TestProcessPassesRemoteURLThrough(t *testing.T) {
	var hits atomic.Int32
	server := newUploadServer(t, &hits, false)
	t.Cleanup(server.Close)

	s := &config.Settings{
		FileBedEnabled:           true,
		FileBedEndpoints:         []config.FilebedEndpoint{{Name: "main", URL: server.URL + "/upload", Enabled: true}},
		FileBedSelectionStrategy: "failover",
		ProcessedImageCache:      config.CacheSettings{Enabled: true, TTLSeconds: 60, MaxSize: 10},
		ImageOptimization:        config.ImageOptimization{Enabled: true, ConvertPNGToJPG: true, JPEGQuality: 80},
	}
	p := New(settingsFn(s))

	// already-hosted images are not re-uploaded or cached
	out, err := p.Process(context.Background(), "https://example.com/cat.png", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cat.png", out)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, p.cache.ItemCount())
}

func TestProcessEvictsOldestWhenOverCap(t *testing.T) {
	p := New(settingsFn(&config.Settings{}))
	p.cache.Set("old", "a", time.Minute)
	p.cache.Set("mid", "b", 30*time.Minute)
	p.cache.Set("new", "c", time.Hour)

	p.evictOldest(1)

	assert.Equal(t, 1, p.cache.ItemCount())
	_, ok := p.cache.Get("new")
	assert.True(t, ok)
	_, ok = p.cache.Get("old")
	assert.False(t, ok)
}

func TestProcessFilebedFailureFallsBackInline(t *testing.T) {
	var hits atomic.Int32
	server := newUploadServer(t, &hits, true)
	t.Cleanup(server.Close)

	s := &config.Settings{
		FileBedEnabled:           true,
		FileBedEndpoints:         []config.FilebedEndpoint{{Name: "broken", URL: server.URL + "/upload", Enabled: true}},
		FileBedSelectionStrategy: "failover",
		ProcessedImageCache:      config.CacheSettings{},
	}
	p := New(settingsFn(s))

	out, err := p.Process(context.Background(), testPNGDataURI(t), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "data:image/"))
}

func TestUploaderFailoverSkipsDisabledEndpoint(t *testing.T) {
	var primaryHits, secondaryHits atomic.Int32
	primary := newUploadServer(t, &primaryHits, true)
	secondary := newUploadServer(t, &secondaryHits, false)
	t.Cleanup(primary.Close)
	t.Cleanup(secondary.Close)

	s := &config.Settings{
		FileBedSelectionStrategy: "failover",
		FileBedEndpoints: []config.FilebedEndpoint{
			{Name: "primary", URL: primary.URL + "/upload", Enabled: true},
			{Name: "secondary", URL: secondary.URL + "/upload", Enabled: true},
		},
	}
	u := newUploader()

	url, err := u.Upload(context.Background(), s, "a.png", "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Contains(t, url, secondary.URL)
	assert.Equal(t, int32(1), primaryHits.Load())

	// the failed primary is disabled, so the next upload goes straight to
	// the survivor
	url, err = u.Upload(context.Background(), s, "b.png", "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Contains(t, url, secondary.URL)
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, int32(2), secondaryHits.Load())
}

func TestUploaderRoundRobinRotates(t *testing.T) {
	endpoints := []config.FilebedEndpoint{
		{Name: "a", URL: "http://a/upload", Enabled: true},
		{Name: "b", URL: "http://b/upload", Enabled: true},
		{Name: "c", URL: "http://c/upload", Enabled: true},
	}
	u := newUploader()

	first := u.order(endpoints, "round_robin")
	second := u.order(endpoints, "round_robin")
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.Equal(t, "a", first[0].Name)
	assert.Equal(t, "b", second[0].Name)
}

func TestUploaderOrderFiltersDisabled(t *testing.T) {
	endpoints := []config.FilebedEndpoint{
		{Name: "on", URL: "http://on/upload", Enabled: true},
		{Name: "off", URL: "http://off/upload", Enabled: false},
	}
	u := newUploader()
	order := u.order(endpoints, "random")
	require.Len(t, order, 1)
	assert.Equal(t, "on", order[0].Name)
}

func TestFetchAsDataURICaches(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50, 0x4E, 0x47})
	}))
	t.Cleanup(server.Close)

	p := New(settingsFn(&config.Settings{MaxConcurrentDownloads: 4}))

	uri, err := p.FetchAsDataURI(context.Background(), server.URL+"/img.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	again, err := p.FetchAsDataURI(context.Background(), server.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, uri, again)
	assert.Equal(t, int32(1), hits.Load())
}

func TestMarkdownURLMode(t *testing.T) {
	p := New(settingsFn(&config.Settings{StreamedImageMode: "url"}))
	md := p.Markdown(context.Background(), "https://img.example/x.png", "req-1")
	assert.Equal(t, "![Image](https://img.example/x.png)", md)
}

func TestMarkdownBase64ModeFallsBackOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	p := New(settingsFn(&config.Settings{
		StreamedImageMode:      "base64",
		MaxConcurrentDownloads: 4,
		DownloadTimeout:        config.DownloadTimeout{Total: 5, MaxRetries: 1},
	}))
	url := server.URL + "/gone.png"
	md := p.Markdown(context.Background(), url, "req-2")
	assert.Equal(t, fmt.Sprintf("![Image](%s)", url), md)
}

func TestMimeFromURL(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeFromURL("https://x/y.JPG?sig=1"))
	assert.Equal(t, "image/webp", mimeFromURL("https://x/y.webp"))
	assert.Equal(t, "image/png", mimeFromURL("https://x/y"))
}
