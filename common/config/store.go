package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/fsnotify/fsnotify"
	"github.com/tailscale/hujson"

	"github.com/lmbridge/lmbridge/common/logger"
)

// Settings mirrors config.jsonc. Unknown fields are ignored so the file can
// carry dashboard-only knobs without breaking the bridge.
type Settings struct {
	APIKey string `json:"api_key"`

	SessionID                      string `json:"session_id"`
	IDUpdaterLastMode              string `json:"id_updater_last_mode"`
	IDUpdaterBattleTarget          string `json:"id_updater_battle_target"`
	UseDefaultIDsIfMappingNotFound bool   `json:"use_default_ids_if_mapping_not_found"`

	TavernModeEnabled bool            `json:"tavern_mode_enabled"`
	BypassEnabled     bool            `json:"bypass_enabled"`
	BypassInjection   BypassInjection `json:"bypass_injection"`

	RoleConversionMode        string `json:"role_conversion_mode"`
	PreserveRoleLabels        bool   `json:"preserve_role_labels"`
	ReasoningOutputMode       string `json:"reasoning_output_mode"`
	StripReasoningFromHistory bool   `json:"strip_reasoning_from_history"`

	StreamResponseTimeoutSeconds int  `json:"stream_response_timeout_seconds"`
	EnableAutoRetry              bool `json:"enable_auto_retry"`
	RetryTimeoutSeconds          int  `json:"retry_timeout_seconds"`
	MaxRequestTransfers          int  `json:"max_request_transfers"`

	EnableIdleRestart         bool `json:"enable_idle_restart"`
	IdleRestartTimeoutSeconds int  `json:"idle_restart_timeout_seconds"`

	FileBedEnabled           bool              `json:"file_bed_enabled"`
	FileBedEndpoints         []FilebedEndpoint `json:"file_bed_endpoints"`
	FileBedSelectionStrategy string            `json:"file_bed_selection_strategy"`

	ImageOptimization   ImageOptimization `json:"image_optimization"`
	ProcessedImageCache CacheSettings     `json:"processed_image_cache"`
	StreamedImageMode   string            `json:"streamed_image_mode"`
	SaveImagesLocally   bool              `json:"save_images_locally"`

	MaxConcurrentDownloads int             `json:"max_concurrent_downloads"`
	DownloadTimeout        DownloadTimeout `json:"download_timeout"`

	RetryConfig RetryConfig `json:"retry_config"`

	TokenizerConfig map[string]string `json:"tokenizer_config"`
}

// BypassInjection selects the preset appended to outgoing envelopes when
// bypass is active for the binding's model type.
type BypassInjection struct {
	Preset     string            `json:"preset"`
	ModelTypes map[string]bool   `json:"model_types"`
	Custom     []json.RawMessage `json:"custom"`
}

// FilebedEndpoint is one image-host upload target.
type FilebedEndpoint struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key"`
	Enabled bool   `json:"enabled"`
}

// ImageOptimization controls the re-encode step of the image pipeline.
// The same shape doubles as the per-model image_compression override.
type ImageOptimization struct {
	Enabled         bool   `json:"enabled"`
	ConvertPNGToJPG bool   `json:"convert_png_to_jpg"`
	TargetFormat    string `json:"target_format"`
	Quality         int    `json:"quality"`
	JPEGQuality     int    `json:"jpeg_quality"`
	WebPQuality     int    `json:"webp_quality"`
	PNGQuality      int    `json:"png_quality"`
	TargetSizeKB    int    `json:"target_size_kb"`
	MinQuality      int    `json:"min_quality"`
	MaxWidth        int    `json:"max_width"`
	MaxHeight       int    `json:"max_height"`
}

// CacheSettings bounds the processed-image content-hash cache.
type CacheSettings struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttl_seconds"`
	MaxSize    int  `json:"max_size"`
}

// DownloadTimeout bounds remote image downloads.
type DownloadTimeout struct {
	Total      int `json:"total"`
	Connect    int `json:"connect"`
	SockRead   int `json:"sock_read"`
	MaxRetries int `json:"max_retries"`
}

// RetryConfig is forwarded verbatim inside every envelope so the user-script
// can retry upstream submissions on its own.
type RetryConfig struct {
	Enabled       bool `json:"enabled"`
	MaxRetries    int  `json:"max_retries"`
	BaseDelayMs   int  `json:"base_delay_ms"`
	MaxDelayMs    int  `json:"max_delay_ms"`
	ShowRetryInfo bool `json:"show_retry_info"`
}

func defaultSettings() *Settings {
	return &Settings{
		IDUpdaterLastMode:            "direct_chat",
		IDUpdaterBattleTarget:        "A",
		RoleConversionMode:           "none",
		ReasoningOutputMode:          "openai",
		StreamResponseTimeoutSeconds: 360,
		RetryTimeoutSeconds:          120,
		MaxRequestTransfers:          3,
		IdleRestartTimeoutSeconds:    300,
		FileBedSelectionStrategy:     "random",
		StreamedImageMode:            "url",
		MaxConcurrentDownloads:       50,
		ProcessedImageCache:          CacheSettings{Enabled: true, TTLSeconds: 3600, MaxSize: 200},
		DownloadTimeout:              DownloadTimeout{Total: 30, Connect: 5, SockRead: 10, MaxRetries: 2},
		RetryConfig:                  RetryConfig{Enabled: true, MaxRetries: 5, BaseDelayMs: 1000, MaxDelayMs: 30000},
		ImageOptimization: ImageOptimization{
			TargetFormat: "original",
			JPEGQuality:  85,
			WebPQuality:  85,
			PNGQuality:   95,
			MinQuality:   10,
			MaxWidth:     1920,
			MaxHeight:    1080,
		},
	}
}

// Pricing computes direct-upstream cost per token side.
type Pricing struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Unit     float64 `json:"unit"`
	Currency string  `json:"currency"`
}

// Binding tells the bridge how to fulfill a request for one model name:
// a session on a browser tab, or a direct upstream endpoint.
type Binding struct {
	SessionID        string             `json:"session_id"`
	Mode             string             `json:"mode"`
	BattleTarget     string             `json:"battle_target"`
	Type             string             `json:"type"`
	MaxTemperature   *float64           `json:"max_temperature"`
	ImageCompression *ImageOptimization `json:"image_compression"`

	APIType           string         `json:"api_type"`
	APIBaseURL        string         `json:"api_base_url"`
	APIKey            string         `json:"api_key"`
	ModelID           string         `json:"model_id"`
	DisplayName       string         `json:"display_name"`
	Passthrough       bool           `json:"passthrough"`
	ThinkingSeparator string         `json:"thinking_separator"`
	CustomParams      map[string]any `json:"custom_params"`
	EnablePrefix      bool           `json:"enable_prefix"`
	EnableThinking    bool           `json:"enable_thinking"`
	ThinkingBudget    int            `json:"thinking_budget"`
	Pricing           *Pricing       `json:"pricing"`
}

// Binding kinds returned by Kind.
const (
	BindingSession      = "session"
	BindingDirectAPI    = "direct_api"
	BindingGeminiNative = "gemini_native"
)

func (b *Binding) Kind() string {
	switch b.APIType {
	case BindingDirectAPI, BindingGeminiNative:
		return b.APIType
	default:
		return BindingSession
	}
}

// ModelRef is one entry of the fallback models.json map.
type ModelRef struct {
	ID   string
	Type string
}

// Store holds the hot-reloadable configuration: settings, model bindings and
// the fallback model map. Readers get a consistent snapshot per call; a failed
// reload never replaces the previous snapshot.
type Store struct {
	configPath   string
	endpointPath string
	modelsPath   string

	mu        sync.RWMutex
	settings  *Settings
	endpoints map[string][]*Binding
	models    map[string]ModelRef

	cursorMu sync.Mutex
	cursors  map[string]int
}

func NewStore(configPath, endpointPath, modelsPath string) *Store {
	return &Store{
		configPath:   configPath,
		endpointPath: endpointPath,
		modelsPath:   modelsPath,
		settings:     defaultSettings(),
		endpoints:    map[string][]*Binding{},
		models:       map[string]ModelRef{},
		cursors:      map[string]int{},
	}
}

// Load reads all three files. Missing files are tolerated; parse failures are
// returned but leave the previous values in place.
func (s *Store) Load() error {
	var firstErr error
	if err := s.reloadSettings(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		firstErr = err
	}
	if err := s.reloadEndpoints(); err != nil && !os.IsNotExist(errors.Cause(err)) && firstErr == nil {
		firstErr = err
	}
	if err := s.reloadModels(); err != nil && !os.IsNotExist(errors.Cause(err)) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ForceReload re-reads every file regardless of modification state.
func (s *Store) ForceReload() error {
	return s.Load()
}

// Snapshot returns the current settings. The returned value must be treated
// as read-only; a reload swaps in a fresh struct instead of mutating it.
func (s *Store) Snapshot() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Endpoint returns the binding list for a model. A single-binding entry is a
// one-element list; the second return reports whether the model is mapped.
func (s *Store) Endpoint(model string) ([]*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bindings, ok := s.endpoints[model]
	return bindings, ok
}

// PickBinding resolves the binding used for the next request of a model.
// For list entries it selects round-robin and advances the cursor at
// selection time, not on success, so a stuck binding cannot starve the rest.
func (s *Store) PickBinding(model string) (*Binding, int, bool) {
	bindings, ok := s.Endpoint(model)
	if !ok || len(bindings) == 0 {
		return nil, 0, false
	}
	if len(bindings) == 1 {
		return bindings[0], 0, true
	}

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	idx := s.cursors[model] % len(bindings)
	s.cursors[model] = idx + 1
	return bindings[idx], idx, true
}

// BindingAt returns the binding at a fixed index without touching the cursor.
// Retried requests use it to stay on the endpoint they were admitted with.
func (s *Store) BindingAt(model string, idx int) (*Binding, bool) {
	bindings, ok := s.Endpoint(model)
	if !ok || len(bindings) == 0 {
		return nil, false
	}
	if idx < 0 || idx >= len(bindings) {
		idx = 0
	}
	return bindings[idx], true
}

// ModelRefFor resolves the fallback model map entry.
func (s *Store) ModelRefFor(model string) (ModelRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.models[model]
	return ref, ok
}

// ModelNames lists the advertised model ids: endpoint-map keys when the map
// is non-empty, else the fallback model map keys.
func (s *Store) ModelNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.endpoints))
	if len(s.endpoints) > 0 {
		for name := range s.endpoints {
			names = append(names, name)
		}
		return names
	}
	for name := range s.models {
		names = append(names, name)
	}
	return names
}

// GeminiModelNames lists models whose binding declares gemini_native.
func (s *Store) GeminiModelNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, bindings := range s.endpoints {
		for _, b := range bindings {
			if b.Kind() == BindingGeminiNative {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

func (s *Store) reloadSettings() error {
	raw, err := os.ReadFile(s.configPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", s.configPath)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return errors.Wrapf(err, "standardize %s", s.configPath)
	}
	next := defaultSettings()
	if err := json.Unmarshal(std, next); err != nil {
		return errors.Wrapf(err, "parse %s", s.configPath)
	}

	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return nil
}

func (s *Store) reloadEndpoints() error {
	raw, err := os.ReadFile(s.endpointPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", s.endpointPath)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrapf(err, "parse %s", s.endpointPath)
	}

	next := make(map[string][]*Binding, len(entries))
	for model, entry := range entries {
		bindings, err := decodeBindingEntry(entry)
		if err != nil {
			return errors.Wrapf(err, "decode binding for model %q", model)
		}
		next[model] = bindings
	}

	s.mu.Lock()
	s.endpoints = next
	s.mu.Unlock()
	return nil
}

func decodeBindingEntry(entry json.RawMessage) ([]*Binding, error) {
	trimmed := strings.TrimSpace(string(entry))
	if strings.HasPrefix(trimmed, "[") {
		var list []*Binding
		if err := json.Unmarshal(entry, &list); err != nil {
			return nil, errors.WithStack(err)
		}
		return list, nil
	}
	var single Binding
	if err := json.Unmarshal(entry, &single); err != nil {
		return nil, errors.WithStack(err)
	}
	return []*Binding{&single}, nil
}

func (s *Store) reloadModels() error {
	raw, err := os.ReadFile(s.modelsPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", s.modelsPath)
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrapf(err, "parse %s", s.modelsPath)
	}

	next := make(map[string]ModelRef, len(entries))
	for name, value := range entries {
		ref := ModelRef{ID: value, Type: "text"}
		if idx := strings.LastIndex(value, ":"); idx > 0 {
			ref.ID = value[:idx]
			ref.Type = value[idx+1:]
		}
		next[name] = ref
	}

	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
	return nil
}

// Watch reloads files on modification until stop is closed. Events are
// debounced because editors commonly emit several writes per save.
func (s *Store) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}

	dirs := map[string]bool{}
	for _, p := range []string{s.configPath, s.endpointPath, s.modelsPath} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return errors.Wrapf(err, "watch %s", dir)
		}
	}

	go func() {
		defer watcher.Close()
		pending := map[string]time.Time{}
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending[filepath.Clean(ev.Name)] = time.Now()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Logger.Warn("config watcher error", zap.Error(err))
			case now := <-ticker.C:
				for name, at := range pending {
					if now.Sub(at) < 150*time.Millisecond {
						continue
					}
					delete(pending, name)
					s.reloadPath(name)
				}
			}
		}
	}()
	return nil
}

func (s *Store) reloadPath(name string) {
	var err error
	switch name {
	case filepath.Clean(s.configPath):
		err = s.reloadSettings()
	case filepath.Clean(s.endpointPath):
		err = s.reloadEndpoints()
	case filepath.Clean(s.modelsPath):
		err = s.reloadModels()
	default:
		return
	}
	if err != nil {
		logger.Logger.Warn("config reload failed, keeping previous snapshot",
			zap.String("file", name), zap.Error(err))
		return
	}
	logger.Logger.Info("config reloaded", zap.String("file", name))
}

// MergeImageConfig overlays a per-model image_compression block onto the
// global optimization settings; per-model values win, and a model-enabled
// block forces optimization on.
func MergeImageConfig(global ImageOptimization, model *ImageOptimization) ImageOptimization {
	merged := global
	if model == nil {
		return merged
	}
	if model.Enabled {
		merged.Enabled = true
	}
	if model.ConvertPNGToJPG {
		merged.ConvertPNGToJPG = true
	}
	if model.TargetFormat != "" {
		merged.TargetFormat = model.TargetFormat
	}
	if model.Quality > 0 {
		merged.JPEGQuality = model.Quality
		merged.WebPQuality = model.Quality
	}
	if model.JPEGQuality > 0 {
		merged.JPEGQuality = model.JPEGQuality
	}
	if model.WebPQuality > 0 {
		merged.WebPQuality = model.WebPQuality
	}
	if model.PNGQuality > 0 {
		merged.PNGQuality = model.PNGQuality
	}
	if model.TargetSizeKB > 0 {
		merged.TargetSizeKB = model.TargetSizeKB
	}
	if model.MinQuality > 0 {
		merged.MinQuality = model.MinQuality
	}
	if model.MaxWidth > 0 {
		merged.MaxWidth = model.MaxWidth
	}
	if model.MaxHeight > 0 {
		merged.MaxHeight = model.MaxHeight
	}
	return merged
}
