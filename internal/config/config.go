// Package config reads process settings from the environment. A .env file
// is honoured when the binary imports github.com/joho/godotenv/autoload;
// real environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// DatabaseConfig holds PostgreSQL connection settings. Leaving Host, User
// or Name empty runs the service without the usage ledger and history.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// MinIOConfig points at an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// UploadExpiryDays installs a bucket rule dropping uploads that were
	// never optimized. Zero leaves the bucket's rules alone.
	UploadExpiryDays int
}

func (c MinIOConfig) Configured() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

// StorageConfig selects the artifact backend: "s3", "local" or "auto".
type StorageConfig struct {
	Backend       string
	LocalDir      string
	PublicBaseURL string
	PresignExpiry time.Duration
	MinIO         MinIOConfig
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// LimitsConfig holds admission limits and retention windows.
type LimitsConfig struct {
	MaxUploadBytesEntitled int64
	MaxUploadBytesFree     int64
	StorageQuotaBytes      int64
	EntitledRetention      time.Duration
	FreeRetention          time.Duration
	ShareWindow            time.Duration
	SafetyCeiling          time.Duration
}

// JobsConfig tunes the job runner, request admission and the sweep.
type JobsConfig struct {
	MaxConcurrent    int
	SweepInterval    time.Duration
	SweepParallelism int
	AllowGLTFJSON    bool
	TempDir          string
	AccessCacheTTL   time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
}

// CodecConfig configures the transform engine.
type CodecConfig struct {
	DracoEncoderBin   string
	EncoderTimeout    time.Duration
	SimplifyTolerance float64
	WeldTolerance     float64
}

type LogConfig struct {
	Level    string
	Timezone string
}

type AppConfig struct {
	AppHost  string
	Port     string
	Database DatabaseConfig
	Storage  StorageConfig
	Auth     AuthConfig
	Limits   LimitsConfig
	Jobs     JobsConfig
	Codec    CodecConfig
	Log      LogConfig
}

// Load reads every section. Malformed values fall back to their defaults;
// Validate reports combinations that cannot work together.
func Load() *AppConfig {
	host := getEnv("APP_HOST", "localhost:8080")
	return &AppConfig{
		AppHost:  host,
		Port:     getEnv("PORT", "8080"),
		Database: loadDatabase(),
		Storage:  loadStorage(host),
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", ""),
			Audience:  getEnv("AUTH_JWT_AUDIENCE", ""),
		},
		Limits: loadLimits(),
		Jobs:   loadJobs(),
		Codec: CodecConfig{
			DracoEncoderBin:   getEnv("DRACO_ENCODER_BIN", "gltf-transform"),
			EncoderTimeout:    getEnvDuration("DRACO_ENCODER_TIMEOUT", 2*time.Minute),
			SimplifyTolerance: getEnvFloat("SIMPLIFY_ERROR_TOLERANCE", 0.01),
			WeldTolerance:     getEnvFloat("WELD_TOLERANCE", 0.0001),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Timezone: getEnv("APP_TIMEZONE", "UTC"),
		},
	}
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:               getEnv("DB_HOST", ""),
		Port:               getEnv("DB_PORT", "5432"),
		User:               getEnv("DB_USER", ""),
		Password:           getEnv("DB_PASSWORD", ""),
		Name:               getEnv("DB_NAME", ""),
		SSLMode:            getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
	}
}

func loadStorage(appHost string) StorageConfig {
	return StorageConfig{
		Backend:       getEnv("STORAGE_BACKEND", "auto"),
		LocalDir:      getEnv("STORAGE_LOCAL_DIR", "data"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://"+appHost),
		PresignExpiry: getEnvDuration("STORAGE_PRESIGN_EXPIRY", time.Hour),
		MinIO: MinIOConfig{
			Endpoint:         getEnv("MINIO_ENDPOINT", ""),
			AccessKey:        getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey:        getEnv("MINIO_SECRET_KEY", ""),
			Bucket:           getEnv("MINIO_BUCKET", ""),
			UseSSL:           getEnvBool("MINIO_USE_SSL", false),
			UploadExpiryDays: getEnvInt("MINIO_UPLOAD_EXPIRY_DAYS", 1),
		},
	}
}

func loadLimits() LimitsConfig {
	return LimitsConfig{
		MaxUploadBytesEntitled: getEnvInt64("MAX_UPLOAD_BYTES_ENTITLED", 500<<20),
		MaxUploadBytesFree:     getEnvInt64("MAX_UPLOAD_BYTES_FREE", 50<<20),
		StorageQuotaBytes:      getEnvInt64("STORAGE_QUOTA_BYTES", 1<<30),
		EntitledRetention:      getEnvDuration("RETENTION_ENTITLED", 48*time.Hour),
		FreeRetention:          getEnvDuration("RETENTION_FREE", 10*time.Minute),
		ShareWindow:            getEnvDuration("SHARE_WINDOW", time.Hour),
		SafetyCeiling:          getEnvDuration("SAFETY_CEILING", 48*time.Hour),
	}
}

func loadJobs() JobsConfig {
	return JobsConfig{
		MaxConcurrent:    getEnvInt("MAX_CONCURRENT_JOBS", 4),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour),
		SweepParallelism: getEnvInt("SWEEP_PARALLELISM", 8),
		AllowGLTFJSON:    getEnvBool("INGEST_ALLOW_GLTF_JSON", true),
		TempDir:          getEnv("UPLOAD_TEMP_DIR", os.TempDir()),
		AccessCacheTTL:   getEnvDuration("ACCESS_CACHE_TTL", time.Minute),
		RateLimitRPS:     getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 5),
	}
}

// Validate reports every setting combination the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	l := c.Limits
	if l.MaxUploadBytesFree <= 0 || l.MaxUploadBytesEntitled <= 0 {
		errs = append(errs, errors.New("upload limits must be positive"))
	}
	if l.MaxUploadBytesFree > l.MaxUploadBytesEntitled {
		errs = append(errs, fmt.Errorf("free upload limit %d exceeds entitled limit %d", l.MaxUploadBytesFree, l.MaxUploadBytesEntitled))
	}
	if l.StorageQuotaBytes <= 0 {
		errs = append(errs, errors.New("storage quota must be positive"))
	}
	if l.SafetyCeiling < l.EntitledRetention {
		errs = append(errs, fmt.Errorf("safety ceiling %s is shorter than entitled retention %s", l.SafetyCeiling, l.EntitledRetention))
	}
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_JOBS must be positive"))
	}
	switch c.Storage.Backend {
	case "", "auto", "local":
	case "s3":
		if !c.Storage.MinIO.Configured() {
			errs = append(errs, errors.New("s3 backend selected without MINIO_ENDPOINT, credentials and MINIO_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}
