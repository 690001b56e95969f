package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/handlers"
	"github.com/healthsync/healthsync/internal/notify"
	"github.com/healthsync/healthsync/internal/recognizer"
	"github.com/healthsync/healthsync/internal/store"
	"github.com/healthsync/healthsync/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Run behind an external TLS terminator, plain HTTP")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load(httpOnly)
	logger := newLogger(cfg.LogLevel)

	logger.Info(fmt.Sprintf("HealthSync server v%s", AppVersion))

	if *httpOnly && cfg.FrontendURI == "" {
		logger.Error("FRONTEND_URI is required when --http-only is set")
		return
	}

	turnServer, err := turn.Initialize(cfg.TURNPort, cfg.TURNRealm, "", "", logger)
	if err != nil {
		logger.Error("start TURN server", "error", err)
		return
	}
	defer turnServer.Close()
	logger.Info("TURN server started", "port", cfg.TURNPort)

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		logger.Error("open database", "path", cfg.DBPath, "error", err)
		return
	}
	records := store.NewRecords(db)

	var rec recognizer.Recognizer
	if cfg.DeepgramAPIKey != "" {
		rec = &recognizer.Deepgram{
			APIKey:  cfg.DeepgramAPIKey,
			BaseURL: cfg.DeepgramURL,
			Logger:  logger,
		}
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set, transcription disabled")
	}

	notifier := notify.New(cfg.VAPIDKeys, records, logger)

	h := handlers.New(cfg, records, rec, notifier, turnServer, logger)
	router := setupRouter(h, cfg, logger)

	startServer(router, cfg, *selfSigned, logger)
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(slogGinLogger(logger))

	// CORS for the web client.
	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/turn-config", h.GetTURNConfig)
		api.GET("/vapid-public-key", h.VAPIDPublicKey)
		api.POST("/push/subscribe", h.Subscribe)
		api.POST("/push/unsubscribe", h.Unsubscribe)

		api.POST("/consultations", h.CreateConsultation)
		api.GET("/consultations/:key", h.GetConsultation)
		api.POST("/consultations/:key/join", h.JoinConsultation)
		api.POST("/consultations/:key/room", h.ProvisionRoom)
		api.POST("/consultations/:key/end", h.EndConsultation)
		api.POST("/consultations/:key/summary", h.SaveSummary)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/room", h.RoomWS)
		ws.GET("/chat", h.ChatWS)
		ws.GET("/transcribe", h.TranscribeWS)
	}

	return router
}

func startServer(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) {
	if cfg.HTTPOnly {
		startHTTP(router, cfg, logger)
		return
	}

	if selfSigned {
		startSelfSignedHTTPS(router, cfg, logger)
		return
	}

	certsDir := getCertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("create certs directory", "error", err)
		return
	}

	normalizedDomain := normalizeDomain(cfg.Domain)
	logger.Info("configured domain", "domain", cfg.Domain, "normalized", normalizedDomain)

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != normalizedDomain {
				// Silent rejection keeps bot/scanner noise out of the logs.
				return fmt.Errorf("host %q not configured (expected %q)", host, normalizedDomain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	errorLog := log.New(newTLSErrorWriter(logger), "", log.LstdFlags)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	go func() {
		logger.Info("HTTP server (ACME challenge & redirects) starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("start HTTP server", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("HTTPS server starting", "port", cfg.HTTPSPort, "domain", normalizedDomain, "certs_dir", certsDir)
	if normalizedDomain == "localhost" || normalizedDomain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("start HTTPS server", "error", err)
	}
}

func startHTTP(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("HTTP server starting", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("start HTTP server", "error", err)
	}
}

func startSelfSignedHTTPS(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	logger.Info("self-signed TLS enabled, generating certificate")

	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		logger.Error("generate self-signed certificate", "error", err)
		return
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		logger.Error("load self-signed certificate", "error", err)
		return
	}

	httpsServer := &http.Server{
		Addr:    ":" + cfg.HTTPSPort,
		Handler: router,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		redirectHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if idx := strings.Index(host, ":"); idx != -1 {
				host = host[:idx]
			}
			target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
		httpServer := &http.Server{
			Addr:    ":" + cfg.HTTPPort,
			Handler: redirectHandler,
		}
		logger.Info("HTTP redirect server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil {
			logger.Error("HTTP redirect server", "error", err)
		}
	}()

	hostForLog := cfg.Domain
	if hostForLog == "" {
		hostForLog = "localhost"
	}
	logger.Info("HTTPS server (self-signed) starting", "port", cfg.HTTPSPort, "host", hostForLog)

	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("start HTTPS server", "error", err)
	}
}

func getCertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

// normalizeDomain lowercases, trims and strips the www. prefix.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

// generateSelfSignedCert creates a certificate for local development.
func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	dnsNames := make([]string, 0, len(hosts))
	ipAddrs := make([]net.IP, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if idx := strings.Index(h, ":"); idx != -1 {
			h = h[:idx]
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	commonName := "localhost"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else if len(ipAddrs) > 0 {
		commonName = ipAddrs[0].String()
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"HealthSync Development"},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certBuffer := new(bytes.Buffer)
	if err := pem.Encode(certBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	keyBuffer := new(bytes.Buffer)
	if err := pem.Encode(keyBuffer, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return certBuffer.Bytes(), keyBuffer.Bytes(), nil
}
