package cache

import (
	"errors"
	"strings"
	"time"

	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/mlmodel"
)

// Default per-family TTLs. Print time and churn predictions are stable over a
// day; demand and bottleneck forecasts decay faster; prices fastest.
const (
	defaultPrintTimeTTL   = 24 * time.Hour
	defaultDemandTTL      = 6 * time.Hour
	defaultPriceTTL       = 1 * time.Hour
	defaultChurnTTL       = 24 * time.Hour
	defaultMaterialTTL    = 12 * time.Hour
	defaultBottleneckTTL  = 6 * time.Hour
	defaultDialTimeout    = 5 * time.Second
	defaultOpTimeout      = 2 * time.Second
	defaultScanBatchSize  = 100
)

// ErrRedisAddrEmpty is returned when the Redis address is an empty string.
var ErrRedisAddrEmpty = errors.New("redis address cannot be empty")

// Config holds Redis connection settings and the per-family TTL policy.
type Config struct {
	Addr          string
	Password      string
	DB            int
	DialTimeout   time.Duration
	OpTimeout     time.Duration
	ScanBatchSize int
	ttls          map[mlmodel.Family]time.Duration
}

// LoadConfig loads cache configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Addr:          config.GetEnvStr("REDIS_ADDR", "localhost:6379"),
		Password:      config.GetEnvStr("REDIS_PASSWORD", ""),
		DB:            config.GetEnvInt("REDIS_DB", 0),
		DialTimeout:   config.GetEnvDuration("REDIS_DIAL_TIMEOUT", defaultDialTimeout),
		OpTimeout:     config.GetEnvDuration("REDIS_OP_TIMEOUT", defaultOpTimeout),
		ScanBatchSize: config.GetEnvInt("REDIS_SCAN_BATCH_SIZE", defaultScanBatchSize),
		ttls: map[mlmodel.Family]time.Duration{
			mlmodel.FamilyPrintTime:           config.GetEnvDuration("CACHE_TTL_PRINT_TIME", defaultPrintTimeTTL),
			mlmodel.FamilyDemandForecast:      config.GetEnvDuration("CACHE_TTL_DEMAND_FORECAST", defaultDemandTTL),
			mlmodel.FamilyPriceOptimization:   config.GetEnvDuration("CACHE_TTL_PRICE_OPTIMIZATION", defaultPriceTTL),
			mlmodel.FamilyChurnPrediction:     config.GetEnvDuration("CACHE_TTL_CHURN_PREDICTION", defaultChurnTTL),
			mlmodel.FamilyMaterialDemand:      config.GetEnvDuration("CACHE_TTL_MATERIAL_DEMAND", defaultMaterialTTL),
			mlmodel.FamilyBottleneckDetection: config.GetEnvDuration("CACHE_TTL_BOTTLENECK_DETECTION", defaultBottleneckTTL),
		},
	}
}

// Validate checks if the cache configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrRedisAddrEmpty
	}

	return nil
}

// TTL returns the cache TTL for a family. Unknown families fall back to the
// shortest configured TTL to stay conservative.
func (c *Config) TTL(family mlmodel.Family) time.Duration {
	if ttl, ok := c.ttls[family]; ok {
		return ttl
	}

	return defaultPriceTTL
}
