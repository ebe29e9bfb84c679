package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"runbin/cfg"
	"runbin/pkg/kms"
	"runbin/svc/api"
	"runbin/svc/auth"
	"runbin/svc/blob"
	"runbin/svc/db"
	"runbin/svc/lim"
	"runbin/svc/sandbox"
	"runbin/svc/svc"
	"runbin/svc/util"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

func main() {
	if err := cfg.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		util.Fatal().Err(err).Msg("failed to load .env")
	}
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting runbin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kmsAdapter *kms.Adapter
	if c.PepperFromKMS || c.Blob.Encrypt {
		kmsAdapter, err = kms.NewAdapter(ctx, kms.SettingsFromEnv())
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		}
		util.Info().Str("provider", kmsAdapter.Provider()).Msg("KMS adapter initialized")
	}

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: pepper unavailable")
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Wipe(pepper)
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits stay local")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	hasher.SetVerifyFloor(c.VerifyFloor)
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")
	vault := auth.NewVault(hasher, sqlDB, func(err error) bool {
		return errors.Is(err, db.ErrNoCredential)
	})

	blobs, stopBlobs, err := openBlobStore(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize blob store")
	}
	defer stopBlobs()

	sb, err := sandbox.New(sandbox.Config{
		Interpreter: c.Sandbox.Interpreter,
		Args:        c.Sandbox.Args,
		Timeout:     c.Sandbox.Timeout,
		MaxOutput:   c.Sandbox.MaxOutputBytes,
		Workers:     c.Sandbox.Workers,
		QueueWait:   c.Sandbox.QueueWait,
		TempDir:     c.Sandbox.TempDir,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize sandbox")
	}
	util.Info().
		Str("interpreter", c.Sandbox.Interpreter).
		Int("workers", c.Sandbox.Workers).
		Dur("timeout", c.Sandbox.Timeout).
		Msg("sandbox initialized")

	pasteSvc := svc.NewPaste(sqlDB, vault, blobs, sb, svc.OptionsFromCfg(c))

	keyer, err := util.NewClientKeyer(pepper, c.ClientKeyRotation)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize client keyer")
	}
	defer keyer.Stop()

	var window lim.Window
	if rdb != nil {
		window = rdb
	}
	limiter, err := lim.New(lim.Options{
		RPM:            c.RateLimit.RPM,
		Burst:          c.RateLimit.Burst,
		Conservative:   c.RateLimit.ConservativeLimit,
		Execute:        c.RateLimit.ExecuteLimit,
		TrustedProxies: c.TrustedProxies,
	}, window, keyer)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Int("execute", c.RateLimit.ExecuteLimit).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, sqlDB, blobs, rdb)

	walCtx, stopWAL := context.WithCancel(ctx)
	walDone := make(chan struct{})
	go sqlDB.RunWALMaintenance(walCtx, 0, walDone)
	util.Info().Msg("WAL maintenance worker started")

	util.Info().Str("port", c.Port).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	if err := sb.Drain(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("sandbox runs still active at shutdown")
	}
	stopWAL()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// loadPepper returns the secret mixed into every credential digest and
// client key. It is fetched from the KMS secret store when configured.
func loadPepper(ctx context.Context, c *cfg.Cfg, kmsAdapter *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		encoded, err := kmsAdapter.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, errors.Wrap(err, "load pepper from KMS")
		}
		pepper, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "invalid pepper format")
		}
	} else {
		if c.Pepper.Value() == "" {
			return nil, errors.New("PEPPER must be set when PEPPER_FROM_KMS=false")
		}
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short (%d bytes), must be >= 32", len(pepper))
	}
	return pepper, nil
}

func openBlobStore(ctx context.Context, c *cfg.Cfg, kmsAdapter *kms.Adapter) (blob.Store, func(), error) {
	var (
		store blob.Store
		err   error
	)
	switch c.Blob.Backend {
	case "minio":
		store, err = blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  c.Blob.MinioEndpoint,
			AccessKey: c.Blob.MinioAccessKey,
			SecretKey: c.Blob.MinioSecretKey.Value(),
			UseSSL:    c.Blob.MinioUseSSL,
			Bucket:    c.Blob.MinioBucket,
		})
	default:
		store, err = blob.NewFS(c.Blob.Dir)
	}
	if err != nil {
		return nil, nil, err
	}
	util.Info().Str("backend", c.Blob.Backend).Bool("encrypted", c.Blob.Encrypt).Msg("blob store initialized")
	if !c.Blob.Encrypt {
		return store, func() {}, nil
	}
	keks := kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL)
	return blob.NewSealed(store, kmsAdapter, keks), keks.Stop, nil
}

// healthCheck backs the container health check: it only confirms the
// existing database file opens read-only and answers.
func healthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "runbin.db"
	}
	if err := db.CheckFile(ctx, dbPath); err != nil {
		util.Error().Err(err).Str("path", dbPath).Msg("health check failed")
		return 1
	}
	return 0
}
