package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"authgw/idp"
	"authgw/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "Path to YAML config (optional, environment variables are enough)")
	envFile := flag.String("env-file", ".env", "Path to a .env file loaded before the environment is read")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	switch *configCmd {
	case "":
	case "init":
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}
		if err := runConfigInit(configFile); err != nil {
			log.Fatalf("config init failed: %v", err)
		}
		logger.Info("configuration template written", "path", configFile)
		return
	case "validate":
		if err := runConfigValidate(*configPath, *envFile, logger); err != nil {
			log.Fatalf("config validation failed: %v", err)
		}
		logger.Info("configuration is valid", "path", *configPath)
		return
	default:
		log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
	}

	cfg, err := server.LoadConfig(*configPath, *envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.Production && len(cfg.Server.TLS.Domains) > 0 {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Clean(cfg.Server.TLS.CacheDir)),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "tls", "addr", cfg.Server.ListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	} else {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", cfg.Server.ListenAddr, "production", cfg.Server.Production)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, server.DefaultConfig())
}

func runConfigValidate(path, envFile string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path, envFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating identity provider endpoints...")
	jwksURL, err := providerJWKSURL(cfg)
	if err != nil {
		return err
	}
	if err := validateURL(ctx, jwksURL); err != nil {
		return fmt.Errorf("signing keys not reachable at %s: %w", jwksURL, err)
	}
	logger.Info("signing keys are reachable", "url", jwksURL)
	return nil
}

// validateStartupURLs warns when the provider's signing keys cannot be
// fetched. The server starts anyway and reports idp_unavailable on login.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	jwksURL, err := providerJWKSURL(cfg)
	if err != nil {
		logger.Warn("identity provider misconfigured", "error", err)
		return
	}
	if err := validateURL(ctx, jwksURL); err != nil {
		logger.Warn("signing keys may not be accessible",
			"url", jwksURL,
			"error", err,
			"note", "server will continue but logins may fail")
		return
	}
	logger.Debug("signing keys are accessible", "url", jwksURL)
}

func providerJWKSURL(cfg server.Config) (string, error) {
	p, err := idp.NewProvider(idp.Settings{
		Region:     cfg.Cognito.Region,
		UserPoolID: cfg.Cognito.UserPoolID,
		ClientID:   cfg.Cognito.ClientID,
		Domain:     cfg.Cognito.Domain,
		Issuer:     cfg.Cognito.Issuer,
	})
	if err != nil {
		return "", err
	}
	return p.JWKSURL(), nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := cleanhttp.DefaultClient()
	client.Timeout = 5 * time.Second

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, errors.New("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
