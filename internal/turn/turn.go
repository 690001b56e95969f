// Package turn runs the embedded TURN/STUN relay used by the video
// room's WebRTC media path when participants are behind NAT.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	username string
	password string

	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// Initialize starts a UDP TURN server on the given port. Credentials
// are generated per process unless provided via the environment.
func Initialize(port int, realm, username, password string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	if username == "" {
		username = "healthsync"
	}
	if password == "" {
		password = generatePassword()
	}

	relayIP := publicIP(logger)
	if relayIP == nil {
		relayIP = localIP(logger)
	}
	logger.Info("TURN relay address selected", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(username, password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("TURN server initialized", "port", port, "realm", realm)

	return &Server{
		server:   s,
		username: username,
		password: password,
		logger:   logger,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// publicIP asks ipify.org for the address remote peers should relay
// through. nil when the lookup fails.
func publicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public IP lookup failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public IP lookup bad status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("public IP lookup read failed", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public IP lookup returned garbage")
		return nil
	}
	return ip
}

// localIP falls back to the outbound interface address.
func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("local IP detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
