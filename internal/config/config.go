package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	LogLevel  string `json:"log_level"`

	// PublicURL is the externally reachable base used when handing room
	// and relay URLs to clients. Empty means derive from the request host.
	PublicURL string `json:"public_url"`

	TURNPort  int    `json:"turn_port"`
	TURNRealm string `json:"turn_realm"`

	DBPath string `json:"db_path"`

	// RoomServiceEnabled gates room provisioning. When false the server
	// answers provisioning requests with a demo-mode response and
	// clients run on their local camera.
	RoomServiceEnabled bool `json:"room_service_enabled"`

	// Recognizer settings for the transcription relay.
	DeepgramAPIKey string `json:"-"`
	DeepgramURL    string `json:"deepgram_url"`

	// Backend-only mode fields
	HTTPOnly    bool   `json:"http_only"`
	FrontendURI string `json:"frontend_uri"`

	JWTSecret string     `json:"-"`
	VAPIDKeys *VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads config.json beside the executable (if present), fills the
// gaps from the environment and loads or generates secrets.
func Load(httpOnly *bool) *Config {
	cfg := &Config{RoomServiceEnabled: true}
	if data, err := os.ReadFile(configFilePath()); err == nil {
		loaded := &Config{RoomServiceEnabled: true}
		if err := json.Unmarshal(data, loaded); err != nil {
			fmt.Printf("Warning: failed to parse config.json: %v\n", err)
		} else {
			fmt.Println("NOTE: custom configuration loaded from config.json")
			cfg = loaded
		}
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = getEnv("PUBLIC_URL", "")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "healthsync")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", filepath.Join(execDir(), "healthsync.db"))
	}
	if cfg.DeepgramURL == "" {
		cfg.DeepgramURL = getEnv("DEEPGRAM_URL", "")
	}
	cfg.DeepgramAPIKey = getEnv("DEEPGRAM_API_KEY", "")
	if getEnv("ROOM_SERVICE_ENABLED", "") == "false" {
		cfg.RoomServiceEnabled = false
	}
	if cfg.FrontendURI == "" {
		cfg.FrontendURI = getEnv("FRONTEND_URI", "")
	}
	if httpOnly != nil && *httpOnly {
		cfg.HTTPOnly = true
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

func configFilePath() string {
	return filepath.Join(execDir(), "config.json")
}

func execDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func keysDirectory() string {
	return filepath.Join(execDir(), "keys")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET")
		}
	}
	return secret
}

func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:alerts@healthsync.app"),
		}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(publicKeyData)),
				PrivateKey: strings.TrimSpace(string(privateKeyData)),
				Subject:    getEnv("VAPID_SUBJECT", "mailto:alerts@healthsync.app"),
			}
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	// Uncompressed public key (0x04 + X + Y) for the browser; raw
	// 32-byte private key for the webpush library.
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	priv.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	priv.PublicKey.Y.FillBytes(publicKeyBytes[33:65])
	publicKey = base64.RawURLEncoding.EncodeToString(publicKeyBytes)

	privateKeyBytes := make([]byte, 32)
	priv.D.FillBytes(privateKeyBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(privateKeyBytes)

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(publicKeyFile, []byte(publicKey), 0600)
		_ = os.WriteFile(privateKeyFile, []byte(privateKey), 0600)
	}

	return &VAPIDKeys{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Subject:    getEnv("VAPID_SUBJECT", "mailto:alerts@healthsync.app"),
	}
}
