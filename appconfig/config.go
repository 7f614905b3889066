package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/wiggle/capability"
	"github.com/stevecastle/wiggle/depthsource"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/platform"
	"github.com/stevecastle/wiggle/raster"
	"github.com/stevecastle/wiggle/share"
)

// RenderConfig controls the live renderer.
type RenderConfig struct {
	Strength     float64 `json:"strength"`
	Speed        int     `json:"speed"`
	Perspective  float64 `json:"perspective"`
	CycleSeconds float64 `json:"cycleSeconds"`
	MaxDimension int     `json:"maxDimension"`
	Backend      string  `json:"backend"`
	DepthChannel string  `json:"depthChannel"`
	InvertDepth  bool    `json:"invertDepth"`
	Workers      int     `json:"workers"`
}

// ExportConfig controls artifact production.
type ExportConfig struct {
	GIFFPS           int      `json:"gifFps"`
	GIFSeconds       float64  `json:"gifSeconds"`
	VideoFPS         int      `json:"videoFps"`
	VideoSeconds     float64  `json:"videoSeconds"`
	Palette          string   `json:"palette"`
	Dither           bool     `json:"dither"`
	VideoPreferences []string `json:"videoPreferences"`
	HardwareVideo    bool     `json:"hardwareVideo"`
	TimeoutFactor    float64  `json:"timeoutFactor"`
}

// DepthServiceConfig points at the remote depth map service.
type DepthServiceConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// ShareConfig configures the optional S3 share target.
type ShareConfig struct {
	S3Bucket        string `json:"s3Bucket"`
	S3Region        string `json:"s3Region"`
	S3Endpoint      string `json:"s3Endpoint"`
	S3Prefix        string `json:"s3Prefix"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	PresignMinutes  int    `json:"presignMinutes"`
}

// JobsConfig tunes the job queue. LaneLimits overrides how many jobs of a
// lane (video, image, network, localhost) run at once.
type JobsConfig struct {
	LaneLimits map[string]int `json:"laneLimits"`
}

// Config holds application configuration: storage paths, renderer and export
// defaults, and the external services the server talks to.
type Config struct {
	DBPath string `json:"dbPath"`

	// Where finished artifacts are written
	OutputDir string `json:"outputDir"`

	ListenAddr string `json:"listenAddr"`

	// Optional explicit ffmpeg binary; empty means cache dir then PATH
	FFmpegPath string `json:"ffmpegPath"`

	Render       RenderConfig       `json:"render"`
	Export       ExportConfig       `json:"export"`
	DepthService DepthServiceConfig `json:"depthService"`
	Share        ShareConfig        `json:"share"`
	Jobs         JobsConfig         `json:"jobs"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config

	dirMu     sync.RWMutex
	configDir string
)

// defaultOutputDir returns the default artifact path (~/wiggle).
func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wiggle"
	}
	return filepath.Join(home, "wiggle")
}

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "wiggle.db")
}

// DefaultConfigDir returns the config directory, the platform data
// directory unless SetConfigDir overrode it.
func DefaultConfigDir() string {
	dirMu.RLock()
	defer dirMu.RUnlock()
	if configDir != "" {
		return configDir
	}
	return platform.GetDataDir()
}

// SetConfigDir points Load and Save at dir. Empty restores the default.
func SetConfigDir(dir string) {
	dirMu.Lock()
	configDir = dir
	dirMu.Unlock()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		OutputDir:  defaultOutputDir(),
		ListenAddr: "127.0.0.1:8090",
		Render: RenderConfig{
			Strength:     parallax.DefaultStrength,
			Speed:        parallax.DefaultSpeed,
			Perspective:  parallax.DefaultPerspective,
			CycleSeconds: 6,
			MaxDimension: 1024,
			Backend:      parallax.BackendScan,
			DepthChannel: "luma",
		},
		Export: ExportConfig{
			GIFFPS:           15,
			GIFSeconds:       6,
			VideoFPS:         30,
			VideoSeconds:     6,
			Palette:          "shared",
			VideoPreferences: export.DefaultPreferences(false),
			TimeoutFactor:    20,
		},
		DepthService: DepthServiceConfig{
			BaseURL:        depthsource.DefaultBaseURL,
			Model:          depthsource.DefaultModel,
			Prompt:         depthsource.DefaultPrompt,
			Size:           depthsource.DefaultSize,
			Quality:        depthsource.DefaultQuality,
			TimeoutSeconds: int(depthsource.DefaultTimeout / time.Second),
		},
		Share: ShareConfig{
			PresignMinutes: 60,
		},
		Jobs: JobsConfig{
			LaneLimits: jobqueue.DefaultLaneLimits(),
		},
		JWTSecret: uuid.New().String(),
	}
}

// Default returns the built-in configuration, as written on first run.
func Default() Config { return defaultConfig() }

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir(), "config.json"), nil
}

// mergeDefaults fills zero fields from def. It reports whether a field that
// must persist (db path, secret) was filled.
func mergeDefaults(c *Config, def Config) bool {
	needsSave := false
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.JWTSecret == "" {
		c.JWTSecret = def.JWTSecret
		needsSave = true
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}

	r, dr := &c.Render, def.Render
	if r.Strength == 0 {
		r.Strength = dr.Strength
	}
	if r.Speed == 0 {
		r.Speed = dr.Speed
	}
	if r.Perspective == 0 {
		r.Perspective = dr.Perspective
	}
	if r.CycleSeconds == 0 {
		r.CycleSeconds = dr.CycleSeconds
	}
	if r.MaxDimension == 0 {
		r.MaxDimension = dr.MaxDimension
	}
	if r.Backend == "" {
		r.Backend = dr.Backend
	}
	if r.DepthChannel == "" {
		r.DepthChannel = dr.DepthChannel
	}

	e, de := &c.Export, def.Export
	if e.GIFFPS == 0 {
		e.GIFFPS = de.GIFFPS
	}
	if e.GIFSeconds == 0 {
		e.GIFSeconds = de.GIFSeconds
	}
	if e.VideoFPS == 0 {
		e.VideoFPS = de.VideoFPS
	}
	if e.VideoSeconds == 0 {
		e.VideoSeconds = de.VideoSeconds
	}
	if e.Palette == "" {
		e.Palette = de.Palette
	}
	if len(e.VideoPreferences) == 0 {
		e.VideoPreferences = export.DefaultPreferences(e.HardwareVideo)
	}
	if e.TimeoutFactor == 0 {
		e.TimeoutFactor = de.TimeoutFactor
	}

	d, dd := &c.DepthService, def.DepthService
	if d.BaseURL == "" {
		d.BaseURL = dd.BaseURL
	}
	if d.Model == "" {
		d.Model = dd.Model
	}
	if d.Prompt == "" {
		d.Prompt = dd.Prompt
	}
	if d.Size == "" {
		d.Size = dd.Size
	}
	if d.Quality == "" {
		d.Quality = dd.Quality
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = dd.TimeoutSeconds
	}

	if c.Share.PresignMinutes == 0 {
		c.Share.PresignMinutes = def.Share.PresignMinutes
	}
	if c.Jobs.LaneLimits == nil {
		c.Jobs.LaneLimits = map[string]int{}
	}
	for lane, limit := range def.Jobs.LaneLimits {
		if _, ok := c.Jobs.LaneLimits[lane]; !ok {
			c.Jobs.LaneLimits[lane] = limit
		}
	}
	return needsSave
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
// This function safely handles missing directories and creates them as needed.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	// Ensure config directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()

			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}

			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %w", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	needsSave := mergeDefaults(&c, defaultConfig())

	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
	}

	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	// The file can hold API keys.
	if err := os.WriteFile(path, mergedData, 0600); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}

// Parallax returns the renderer parameters.
func (c Config) Parallax() parallax.Config {
	return parallax.Config{
		Strength:        c.Render.Strength,
		SpeedMultiplier: parallax.SpeedMultiplier(c.Render.Speed),
		Perspective:     c.Render.Perspective,
	}
}

// Cycle is the duration of one orbit.
func (c Config) Cycle() time.Duration {
	return time.Duration(c.Render.CycleSeconds * float64(time.Second))
}

// PrepareOptions returns the input alignment options.
func (c Config) PrepareOptions() (raster.PrepareOptions, error) {
	ch, err := raster.ParseDepthChannel(c.Render.DepthChannel)
	if err != nil {
		return raster.PrepareOptions{}, err
	}
	opts := raster.DefaultPrepareOptions()
	opts.MaxDimension = c.Render.MaxDimension
	opts.Channel = ch
	opts.Invert = c.Render.InvertDepth
	return opts, nil
}

// Plan returns the default export plan for a format ("gif", "webp" or
// "video").
func (c Config) Plan(format string) export.Plan {
	if format == "video" {
		return export.Plan{Seconds: c.Export.VideoSeconds, FPS: c.Export.VideoFPS}
	}
	return export.Plan{Seconds: c.Export.GIFSeconds, FPS: c.Export.GIFFPS}
}

// DepthOptions returns the depth service client options.
func (c Config) DepthOptions() depthsource.Options {
	d := c.DepthService
	return depthsource.Options{
		BaseURL: d.BaseURL,
		APIKey:  d.APIKey,
		Model:   d.Model,
		Prompt:  d.Prompt,
		Size:    d.Size,
		Quality: d.Quality,
		Timeout: time.Duration(d.TimeoutSeconds) * time.Second,
	}
}

// ShareEnabled reports whether an S3 share target is configured.
func (c Config) ShareEnabled() bool { return c.Share.S3Bucket != "" }

// S3Options returns the share target options.
func (c Config) S3Options() share.S3Options {
	s := c.Share
	return share.S3Options{
		Bucket:          s.S3Bucket,
		Region:          s.S3Region,
		Endpoint:        s.S3Endpoint,
		Prefix:          s.S3Prefix,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		Expires:         time.Duration(s.PresignMinutes) * time.Minute,
	}
}

// Sampler builds the configured render backend.
func (c Config) Sampler() (parallax.Sampler, error) {
	return parallax.NewSampler(c.Render.Backend, c.Render.Workers)
}

// EncoderOptions returns the encoder settings for a detected runtime.
func (c Config) EncoderOptions(desc capability.Descriptor) (export.EncoderOptions, error) {
	mode, err := export.ParsePaletteMode(c.Export.Palette)
	if err != nil {
		return export.EncoderOptions{}, err
	}
	return export.EncoderOptions{
		Palette:          mode,
		Dither:           c.Export.Dither,
		Workers:          c.Render.Workers,
		Capability:       desc,
		VideoPreferences: c.Export.VideoPreferences,
	}, nil
}
