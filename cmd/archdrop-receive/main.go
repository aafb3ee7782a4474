// Command archdrop-receive accepts uploaded files from a single browser
// peer over one ephemeral session, per spec.md's operator front-end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/MattFrayser/archdrop/internal/engine/audit"
	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/progress"
	"github.com/MattFrayser/archdrop/internal/engine/receivepath"
	"github.com/MattFrayser/archdrop/internal/engine/session"

	"github.com/MattFrayser/archdrop/internal/config"
	"github.com/MattFrayser/archdrop/internal/debug"
	"github.com/MattFrayser/archdrop/internal/metrics"
	s3backend "github.com/MattFrayser/archdrop/internal/engine/storage/s3backend"
	"github.com/MattFrayser/archdrop/internal/tracing"
	"github.com/MattFrayser/archdrop/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	destination := flag.String("destination", ".", "directory to write received files into")
	listenAddr := flag.String("listen", "", "override listen_addr from config")
	scheme := flag.String("scheme", "https", "scheme reported in the share URL")
	host := flag.String("host", "localhost", "host reported in the share URL")
	s3Bucket := flag.String("s3-bucket", "", "mirror finalized files into this S3-compatible bucket instead of local disk")
	s3Provider := flag.String("s3-provider", "aws", "S3-compatible provider name (aws, minio, wasabi, ...)")
	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint (required for non-AWS providers)")
	s3Region := flag.String("s3-region", "us-east-1", "S3 region")
	s3Prefix := flag.String("s3-prefix", "", "key prefix for mirrored objects")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archdrop-receive: load config:", err)
		os.Exit(1)
	}
	cfg.Mode = config.ModeReceive
	cfg.Root = *destination
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *s3Bucket != "" {
		cfg.Backend.Enabled = true
		cfg.Backend.Bucket = *s3Bucket
		cfg.Backend.Provider = *s3Provider
		cfg.Backend.Endpoint = *s3Endpoint
		cfg.Backend.Region = *s3Region
		cfg.Backend.Prefix = *s3Prefix
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	debug.InitFromLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer tracer.Shutdown(context.Background())

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()
	accelEnabled := enginecrypto.IsHardwareAccelerationEnabled(cfg.Hardware)
	m.SetHardwareAccelerationStatus(runtime.GOARCH, accelEnabled)
	logger.WithFields(logrus.Fields{
		"arch":    runtime.GOARCH,
		"enabled": accelEnabled,
	}).Info("AES hardware acceleration status")
	m.StartBufferPoolCollector(func() metrics.BufferPoolSnapshot {
		bm := enginecrypto.GetGlobalBufferPool().GetMetrics()
		return metrics.BufferPoolSnapshot{Hits12: bm.Hits12, Misses12: bm.Misses12}
	})

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		logger.WithError(err).Fatal("failed to create destination directory")
	}

	key, err := enginecrypto.GenerateSessionKey()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate session key")
	}
	urlNonce, err := enginecrypto.GenerateNonceBase()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate session nonce")
	}

	s, token, err := session.NewReceive(cfg.Root, key)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct session")
	}

	var auditLogger audit.Logger
	if al, err := audit.NewLoggerFromConfig(cfg.Audit); err != nil {
		logger.WithError(err).Warn("failed to initialize audit logger; continuing without one")
	} else if cfg.Audit.Enabled {
		auditLogger = al
		defer al.Close()
	}

	prog := progress.New()

	var path *receivepath.Path
	if cfg.Backend.Enabled {
		client, err := s3backend.NewClient(&cfg.Backend)
		if err != nil {
			logger.WithError(err).Fatal("failed to construct S3 client")
		}
		factory := s3backend.NewStorageFactory(client, cfg.Backend.Bucket, cfg.Backend.Prefix, m)
		path = receivepath.NewWithStorage(s, int64(cfg.ChunkSize), cfg.MemoryThreshold, cfg.ReorderBufferCap, prog, logger, factory)
		path.SetAuditLogger(auditLogger)
		logger.WithFields(logrus.Fields{
			"bucket":   cfg.Backend.Bucket,
			"provider": cfg.Backend.Provider,
		}).Info("mirroring finalized files into S3-compatible storage")
	} else {
		path = receivepath.New(s, int64(cfg.ChunkSize), cfg.MemoryThreshold, cfg.ReorderBufferCap, m, auditLogger, prog, logger)
	}

	server := transport.New(nil, path, prog, m, logger)
	server.SetTracer(tracer.Tracer("archdrop-receive"))
	server.SetTimeouts(cfg.RequestTimeout, cfg.ShutdownTimeout)
	if auditLogger != nil {
		server.SetAuditLogger(auditLogger)
	}

	url := fmt.Sprintf("%s://%s%s/receive/%s#key=%s&nonce=%s",
		*scheme, *host, addrSuffix(cfg.ListenAddr), token,
		enginecrypto.EncodeSessionKey(key), enginecrypto.EncodeNonceBase(urlNonce))
	fmt.Println(url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupted; shutting down")
		os.Exit(130)
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("accepting uploads")
	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.WithError(err).Fatal("listener exited with error")
	}
	logger.Info("transfer complete")
}

func addrSuffix(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}
