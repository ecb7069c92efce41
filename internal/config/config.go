package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	"github.com/couchcryptid/fire-risk-service/internal/fusion"
	"github.com/couchcryptid/fire-risk-service/internal/interp"
	"github.com/couchcryptid/fire-risk-service/internal/model"
	"github.com/couchcryptid/fire-risk-service/internal/training"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables
// and an optional .env file.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	Catalog     domain.Catalog
	CatalogPath string
	TargetGrid  domain.GridSpec
	ArchivePath string

	// Interpolation and fusion.
	InterpOverrides      map[string]domain.InterpolationMethod
	MissingThreshold     float64
	CorrelationThreshold float64
	KrigingMinNeighbors  int
	KrigingMaxNeighbors  int
	KrigingSearchRadius  float64
	KrigingVariogram     interp.VariogramModel
	KrigingLags          int
	KrigingCacheSize     int

	// Model.
	AdapterHidden  int
	AdapterOut     int
	BackboneWidths []int
	KernelSize     int
	MLPHidden      int

	// Training.
	ThresholdInterval int
	NaNWindow         int
	NaNMaxRate        float64
	LearningRate      float64
	LRDecay           float64
	Loss              training.LossKind
	Epochs            int
	ValRatio          float64
	SaveEvery         int
	Seed              uint64

	Workers        int
	ModelStorePath string
	ModelVersion   string
	DatabaseURL    string
}

// DefaultTargetGrid is the 440×408 regional grid at 0.01°.
var DefaultTargetGrid = domain.MustGridSpec(43.00, 47.40, 124.00, 128.08, 0.01)

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "fire-risk-requests"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "fire-risk-maps"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "fire-risk-service"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
		CatalogPath:        os.Getenv("CATALOG_PATH"),
		ArchivePath:        sharedcfg.EnvOrDefault("ARCHIVE_PATH", "data/archive.fx.zst"),
		ModelStorePath:     sharedcfg.EnvOrDefault("MODEL_STORE_PATH", "fire-risk.db"),
		ModelVersion:       os.Getenv("MODEL_VERSION"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
	}

	if cfg.Catalog, err = domain.LoadCatalog(cfg.CatalogPath); err != nil {
		return nil, fmt.Errorf("CATALOG_PATH: %w", err)
	}
	if cfg.TargetGrid, err = parseGrid("TARGET_GRID", DefaultTargetGrid); err != nil {
		return nil, err
	}
	if cfg.InterpOverrides, err = parseOverrides("INTERP_METHOD_OVERRIDES"); err != nil {
		return nil, err
	}
	variogram, err := interp.ParseVariogramModel(sharedcfg.EnvOrDefault("KRIGING_VARIOGRAM", string(interp.Spherical)))
	if err != nil {
		return nil, fmt.Errorf("KRIGING_VARIOGRAM: %w", err)
	}
	cfg.KrigingVariogram = variogram
	loss, err := training.ParseLossKind(sharedcfg.EnvOrDefault("LOSS", string(training.LossBCE)))
	if err != nil {
		return nil, fmt.Errorf("LOSS: %w", err)
	}
	cfg.Loss = loss

	kd := interp.DefaultConfig()
	td := training.DefaultConfig()
	p := parser{}
	cfg.MissingThreshold = p.float("MISSING_THRESHOLD", fusion.DefaultMissingThreshold, 0, 1)
	cfg.CorrelationThreshold = p.float("CORRELATION_THRESHOLD", 0.1, 0, 1)
	cfg.KrigingMinNeighbors = p.int("KRIGING_MIN_NEIGHBORS", kd.MinNeighbors, 1)
	cfg.KrigingMaxNeighbors = p.int("KRIGING_MAX_NEIGHBORS", kd.MaxNeighbors, 1)
	cfg.KrigingSearchRadius = p.float("KRIGING_SEARCH_RADIUS", kd.SearchRadius, 0, 90)
	cfg.KrigingLags = p.int("KRIGING_LAGS", kd.Lags, 1)
	cfg.KrigingCacheSize = p.int("KRIGING_CACHE_SIZE", kd.CacheSize, 1)

	arch := model.DefaultArchitecture(nil, nil)
	cfg.AdapterHidden = p.int("ADAPTER_HIDDEN", arch.AdapterHidden, 1)
	cfg.AdapterOut = p.int("ADAPTER_OUT", arch.AdapterOut, 1)
	cfg.BackboneWidths = p.ints("BACKBONE_WIDTHS", arch.BackboneWidths)
	cfg.KernelSize = p.int("KERNEL_SIZE", arch.KernelSize, 1)
	cfg.MLPHidden = p.int("MLP_HIDDEN", arch.MLPHidden, 1)

	cfg.ThresholdInterval = p.int("THRESHOLD_INTERVAL", td.ThresholdInterval, 0)
	cfg.NaNWindow = p.int("NAN_WINDOW", td.NaNWindow, 1)
	cfg.NaNMaxRate = p.float("NAN_MAX_RATE", td.NaNMaxRate, 0, 1)
	cfg.LearningRate = p.float("LEARNING_RATE", td.LearningRate, 1e-12, 10)
	cfg.LRDecay = p.float("LR_DECAY", td.LRDecay, 1e-6, 1)
	cfg.Epochs = p.int("EPOCHS", 100, 1)
	cfg.ValRatio = p.float("VAL_RATIO", 0.15, 0, 1)
	cfg.SaveEvery = p.int("SAVE_EVERY", td.SaveEvery, 0)
	cfg.Seed = uint64(p.int("SEED", 42, 0))
	cfg.Workers = p.int("WORKERS", 4, 1)
	if p.err != nil {
		return nil, p.err
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	if cfg.KernelSize%2 == 0 {
		return nil, fmt.Errorf("invalid KERNEL_SIZE %d: must be odd", cfg.KernelSize)
	}
	if err := cfg.Interp().Validate(); err != nil {
		return nil, fmt.Errorf("invalid kriging settings: %w", err)
	}
	return cfg, nil
}

// LogSettings implements observability.LogSettings.
func (c *Config) LogSettings() (level, format string) { return c.LogLevel, c.LogFormat }

// Interp returns the interpolation engine settings.
func (c *Config) Interp() interp.Config {
	return interp.Config{
		MinNeighbors: c.KrigingMinNeighbors,
		MaxNeighbors: c.KrigingMaxNeighbors,
		SearchRadius: c.KrigingSearchRadius,
		Variogram:    c.KrigingVariogram,
		Lags:         c.KrigingLags,
		CacheSize:    c.KrigingCacheSize,
		Overrides:    c.InterpOverrides,
	}
}

// Fusion returns the fusion thresholds.
func (c *Config) Fusion() fusion.Config {
	return fusion.Config{MissingThreshold: c.MissingThreshold, CorrelationThreshold: c.CorrelationThreshold}
}

// Training returns optimiser settings on top of the package defaults.
func (c *Config) Training() training.Config {
	t := training.DefaultConfig()
	t.LearningRate = c.LearningRate
	t.LRDecay = c.LRDecay
	t.Loss = c.Loss
	t.ThresholdInterval = c.ThresholdInterval
	t.NaNWindow = c.NaNWindow
	t.NaNMaxRate = c.NaNMaxRate
	t.SaveEvery = c.SaveEvery
	return t
}

// Architecture returns the configured layer sizes for the given channels.
func (c *Config) Architecture(inputs, residual []string) model.Architecture {
	a := model.DefaultArchitecture(inputs, residual)
	a.AdapterHidden = c.AdapterHidden
	a.AdapterOut = c.AdapterOut
	a.BackboneWidths = append([]int(nil), c.BackboneWidths...)
	a.KernelSize = c.KernelSize
	a.MLPHidden = c.MLPHidden
	return a
}

// parser records the first invalid variable so Load can report it once.
type parser struct{ err error }

func (p *parser) fail(key, value, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %s", key, value, want)
	}
}

func (p *parser) int(key string, def, lo int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo {
		p.fail(key, s, fmt.Sprintf("must be an integer >= %d", lo))
		return def
	}
	return n
}

func (p *parser) float(key string, def, lo, hi float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < lo || f > hi {
		p.fail(key, s, fmt.Sprintf("must be a number in [%g, %g]", lo, hi))
		return def
	}
	return f
}

func (p *parser) ints(key string, def []int) []int {
	s := os.Getenv(key)
	if s == "" {
		return append([]int(nil), def...)
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			p.fail(key, s, "must be a comma-separated list of positive integers")
			return append([]int(nil), def...)
		}
		out = append(out, n)
	}
	return out
}

// parseGrid reads "latMin,latMax,lonMin,lonMax,res".
func parseGrid(key string, def domain.GridSpec) (domain.GridSpec, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return domain.GridSpec{}, fmt.Errorf("invalid %s %q: want latMin,latMax,lonMin,lonMax,res", key, s)
	}
	var v [5]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return domain.GridSpec{}, fmt.Errorf("invalid %s %q: %w", key, s, err)
		}
		v[i] = f
	}
	g, err := domain.NewGridSpec(v[0], v[1], v[2], v[3], v[4], domain.DefaultProjection)
	if err != nil {
		return domain.GridSpec{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return g, nil
}

// parseOverrides reads "var=method,var=method".
func parseOverrides(key string) (map[string]domain.InterpolationMethod, error) {
	s := os.Getenv(key)
	if s == "" {
		return nil, nil
	}
	out := make(map[string]domain.InterpolationMethod)
	for _, pair := range strings.Split(s, ",") {
		name, method, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid %s entry %q: want variable=method", key, pair)
		}
		m, err := domain.ParseMethod(method)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, pair, err)
		}
		out[name] = m
	}
	return out, nil
}
