package serverfx

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ---------- Lifecycle (HTTP server) ----------

type serverDeps struct {
	fx.In
	Config   Config
	Manifest manifestFile
	Logger   *zap.Logger
	App      http.Handler `name:"app"`
}

// listenAddr resolves env, then [server].listen, then the default.
func listenAddr(d serverDeps) string {
	if v := os.Getenv(d.Config.ListenEnv); v != "" {
		return v
	}
	if d.Manifest.Server.Listen != "" {
		return d.Manifest.Server.Listen
	}
	return d.Config.DefaultListen
}

func registerHooks(lc fx.Lifecycle, d serverDeps) {
	addr := listenAddr(d)
	cert := os.Getenv(d.Config.TLSCertEnv)
	key := os.Getenv(d.Config.TLSKeyEnv)

	srv := &http.Server{
		Addr:         addr,
		Handler:      d.App,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS13},
	}
	useTLS := fileExists(cert) && fileExists(key)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if useTLS {
				d.Logger.Info("server starting (TLS)",
					zap.String("service", d.Config.Service),
					zap.String("addr", addr),
					zap.String("cert", cert),
					zap.String("solution", d.Manifest.Solution.Method),
				)
				go func() {
					if err := srv.ListenAndServeTLS(cert, key); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			} else {
				d.Logger.Info("server starting (PLAINTEXT)",
					zap.String("service", d.Config.Service),
					zap.String("addr", addr),
					zap.String("solution", d.Manifest.Solution.Method),
				)
				go func() {
					srv.TLSConfig = nil
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		// session server, manager and pool stop after this
		OnStop: func(ctx context.Context) error {
			d.Logger.Info("server stopping", zap.String("service", d.Config.Service))
			return srv.Shutdown(ctx)
		},
	})
}
