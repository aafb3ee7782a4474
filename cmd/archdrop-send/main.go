// Command archdrop-send serves a local directory to a single browser
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
	"github.com/MattFrayser/archdrop/internal/engine/sendpath"
	"github.com/MattFrayser/archdrop/internal/engine/session"

	"github.com/MattFrayser/archdrop/internal/config"
	"github.com/MattFrayser/archdrop/internal/debug"
	"github.com/MattFrayser/archdrop/internal/manifest"
	"github.com/MattFrayser/archdrop/internal/metrics"
	"github.com/MattFrayser/archdrop/internal/tracing"
	"github.com/MattFrayser/archdrop/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	root := flag.String("root", ".", "directory to serve")
	listenAddr := flag.String("listen", "", "override listen_addr from config")
	exclude := flag.String("exclude", "", "comma-separated glob patterns to exclude, e.g. *.tmp,.git/*")
	scheme := flag.String("scheme", "https", "scheme reported in the share URL")
	host := flag.String("host", "localhost", "host reported in the share URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archdrop-send: load config:", err)
		os.Exit(1)
	}
	cfg.Mode = config.ModeSend
	cfg.Root = *root
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *exclude != "" {
		cfg.ExcludePatterns = splitNonEmpty(*exclude, ',')
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

	manifestEntries, err := manifest.Build(cfg.Root, cfg.ExcludePatterns)
	if err != nil {
		logger.WithError(err).Fatal("failed to build manifest")
	}
	if len(manifestEntries) == 0 {
		logger.Warn("manifest is empty; no files will be offered")
	}

	key, err := enginecrypto.GenerateSessionKey()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate session key")
	}
	urlNonce, err := enginecrypto.GenerateNonceBase()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate session nonce")
	}

	s, token, err := session.NewSend(manifestEntries, key)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct session")
	}

	watcher, err := manifest.NewWatcher(cfg.Root, manifestEntries, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start manifest watcher")
	}
	defer watcher.Close()

	var auditLogger audit.Logger
	if al, err := audit.NewLoggerFromConfig(cfg.Audit); err != nil {
		logger.WithError(err).Warn("failed to initialize audit logger; continuing without one")
	} else if cfg.Audit.Enabled {
		auditLogger = al
		defer al.Close()
	}

	prog := progress.New()
	path := sendpath.New(s, int64(cfg.ChunkSize), cfg.HandleCacheSize, m, auditLogger, prog, logger, watcher)

	server := transport.New(path, nil, prog, m, logger)
	server.SetTracer(tracer.Tracer("archdrop-send"))
	server.SetTimeouts(cfg.RequestTimeout, cfg.ShutdownTimeout)
	if auditLogger != nil {
		server.SetAuditLogger(auditLogger)
	}

	url := fmt.Sprintf("%s://%s%s/send/%s#key=%s&nonce=%s",
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

	logger.WithField("addr", cfg.ListenAddr).Info("serving manifest")
	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.WithError(err).Fatal("listener exited with error")
	}
	logger.Info("transfer complete")
}

// addrSuffix extracts ":port" from a listen address like ":8443" or
// "0.0.0.0:8443", so the reported URL carries the actual bound port.
func addrSuffix(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}

func splitNonEmpty(s string, sep rune) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == sep {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
