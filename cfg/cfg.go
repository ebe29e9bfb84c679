package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const maxUploadSize = 16 * 1024 * 1024

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                    string
	Environment             string
	LogLevel                string
	DatabasePath            string
	PublicBaseURL           string
	RedisURL                string
	RedisTLS                bool
	RedisUsername           string
	RedisPassword           Secret
	RedisTimeout            time.Duration
	Blob                    BlobCfg
	Argon2Time              uint32
	Argon2Memory            uint32
	Argon2Parallelism       uint8
	HasherWorkerCount       int
	VerifyFloor             time.Duration
	RateLimit               RateLimitCfg
	MaxPasteSize            int64
	AllowedExtension        string
	MaxNameLength           int
	RequireSecretForPrivate bool
	Sandbox                 SandboxCfg
	TrustedProxies          []string
	MetricsUser             string
	MetricsPass             Secret
	Pepper                  Secret
	PepperFromKMS           bool
	ContextTimeout          time.Duration
	AllowedOrigins          []string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DBQueryTimeout          time.Duration
	ClientKeyRotation       time.Duration
	KEKCacheTTL             time.Duration
}

type BlobCfg struct {
	Backend        string
	Dir            string
	Encrypt        bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey Secret
	MinioBucket    string
	MinioUseSSL    bool
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	ExecuteLimit      int
}

type SandboxCfg struct {
	Interpreter    string
	Args           []string
	Timeout        time.Duration
	MaxOutputBytes int
	Workers        int
	QueueWait      time.Duration
	TempDir        string
}

// LoadDotEnv loads path (or .env) if present. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat env file")
	}
	return errors.Wrap(godotenv.Load(path), "load env file")
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "runbin.db")
	c.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	c.Blob.Backend = strings.ToLower(getEnv("BLOB_BACKEND", "fs"))
	c.Blob.Dir = getEnv("DATA_DIR", filepath.Join("data", "blobs"))
	c.Blob.Encrypt = getBool("BLOB_ENCRYPTION")
	c.Blob.MinioEndpoint = getEnv("MINIO_ENDPOINT", "")
	c.Blob.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", "")
	c.Blob.MinioSecretKey = NewSecret(getEnv("MINIO_SECRET_KEY", ""))
	c.Blob.MinioBucket = getEnv("MINIO_BUCKET", "runbin")
	c.Blob.MinioUseSSL = getBool("MINIO_USE_SSL")

	if c.Argon2Time, err = getUint32("ARGON2_TIME", 4); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 128*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.VerifyFloor, err = getDuration("VERIFY_FLOOR", 350*time.Millisecond); err != nil {
		return nil, err
	}

	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30); err != nil {
		return nil, err
	}
	if c.RateLimit.ExecuteLimit, err = getInt("RATE_LIMIT_EXECUTE", 10); err != nil {
		return nil, err
	}

	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 1024*1024); err != nil {
		return nil, err
	}
	c.AllowedExtension = getEnv("ALLOWED_EXTENSION", ".py")
	if c.MaxNameLength, err = getInt("MAX_NAME_LENGTH", 100); err != nil {
		return nil, err
	}
	c.RequireSecretForPrivate = getBool("REQUIRE_SECRET_FOR_PRIVATE")

	c.Sandbox.Interpreter = getEnv("SANDBOX_INTERPRETER", "python3")
	c.Sandbox.Args = getFields("SANDBOX_ARGS", []string{"-I", "-B"})
	if c.Sandbox.Timeout, err = getDuration("SANDBOX_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.Sandbox.MaxOutputBytes, err = getInt("SANDBOX_MAX_OUTPUT", 64*1024); err != nil {
		return nil, err
	}
	if c.Sandbox.Workers, err = getInt("SANDBOX_WORKERS", 4); err != nil {
		return nil, err
	}
	if c.Sandbox.QueueWait, err = getDuration("SANDBOX_QUEUE_WAIT", 2*time.Second); err != nil {
		return nil, err
	}
	c.Sandbox.TempDir = getEnv("SANDBOX_TEMP_DIR", os.TempDir())

	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS")
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 16); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 4); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.ClientKeyRotation, err = getDuration("CLIENT_KEY_ROTATION", time.Hour); err != nil {
		return nil, err
	}
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.PublicBaseURL != "" && !strings.HasPrefix(c.PublicBaseURL, "http://") && !strings.HasPrefix(c.PublicBaseURL, "https://") {
		return errors.New("PUBLIC_BASE_URL must start with http:// or https://")
	}

	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("DATA_DIR is required for the fs blob backend")
		}
	case "minio":
		if c.Blob.MinioEndpoint == "" || c.Blob.MinioBucket == "" {
			return errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio blob backend")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be fs or minio, got %q", c.Blob.Backend)
	}

	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.Environment == "production" {
		if c.Argon2Time < 2 || c.Argon2Memory < 64*1024 {
			return errors.New("production requires ARGON2_TIME >= 2 and ARGON2_MEMORY >= 65536")
		}
	}
	if c.VerifyFloor < 0 || c.VerifyFloor > 5*time.Second {
		return errors.New("VERIFY_FLOOR must be between 0 and 5s")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 || c.RateLimit.ExecuteLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE and RATE_LIMIT_EXECUTE must be positive")
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > maxUploadSize {
		return errors.New("MAX_PASTE_SIZE cannot exceed 16MB")
	}
	if !strings.HasPrefix(c.AllowedExtension, ".") || len(c.AllowedExtension) < 2 || strings.ContainsAny(c.AllowedExtension, `/\`) {
		return errors.New("ALLOWED_EXTENSION must look like .py")
	}
	if c.MaxNameLength <= len(c.AllowedExtension) || c.MaxNameLength > 200 {
		return errors.New("MAX_NAME_LENGTH must exceed the extension length and be <= 200")
	}

	if err := validateSandbox(c); err != nil {
		return err
	}
	if c.ContextTimeout <= c.Sandbox.Timeout+c.Sandbox.QueueWait {
		return errors.New("CONTEXT_TIMEOUT must exceed SANDBOX_TIMEOUT + SANDBOX_QUEUE_WAIT")
	}

	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromKMS {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_KMS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	if c.ClientKeyRotation < 15*time.Minute || c.ClientKeyRotation > 24*time.Hour {
		return errors.New("CLIENT_KEY_ROTATION must be between 15m and 24h")
	}
	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	return nil
}

func validateSandbox(c *Cfg) error {
	s := c.Sandbox
	if s.Interpreter == "" {
		return errors.New("SANDBOX_INTERPRETER is required")
	}
	if s.Timeout < 100*time.Millisecond || s.Timeout > 5*time.Minute {
		return errors.New("SANDBOX_TIMEOUT must be between 100ms and 5m")
	}
	if s.MaxOutputBytes < 1024 || s.MaxOutputBytes > 16*1024*1024 {
		return errors.New("SANDBOX_MAX_OUTPUT must be between 1KB and 16MB")
	}
	if s.Workers < 1 || s.Workers > 256 {
		return errors.New("SANDBOX_WORKERS must be between 1 and 256")
	}
	if s.QueueWait < 0 {
		return errors.New("SANDBOX_QUEUE_WAIT must not be negative")
	}
	if s.TempDir == "" {
		return errors.New("SANDBOX_TEMP_DIR is required")
	}
	tmp, err := filepath.Abs(s.TempDir)
	if err != nil {
		return fmt.Errorf("invalid SANDBOX_TEMP_DIR: %w", err)
	}
	db, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if within(db, tmp) {
		return errors.New("DATABASE_PATH must not live inside SANDBOX_TEMP_DIR")
	}
	if c.Blob.Backend == "fs" {
		data, err := filepath.Abs(c.Blob.Dir)
		if err != nil {
			return fmt.Errorf("invalid DATA_DIR: %w", err)
		}
		if within(tmp, data) || within(data, tmp) {
			return errors.New("SANDBOX_TEMP_DIR and DATA_DIR must not overlap")
		}
	}
	return nil
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.Blob.MinioSecretKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string) bool {
	v, err := strconv.ParseBool(getEnv(key, "false"))
	return err == nil && v
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// getFields splits on whitespace. An explicitly empty value yields no args.
func getFields(key string, fallback []string) []string {
	s, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.Fields(s)
}
