// Package console registers node VNC endpoints with an Apache Guacamole gateway.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onkernel/nodelab/lib/logger"
)

const tokenHeader = "Guacamole-Token"

// Config describes how to reach Guacamole and how VNC servers are addressed from it.
type Config struct {
	// BaseURL is the Guacamole web root, e.g. http://guac:8080/guacamole.
	BaseURL    string
	APIPath    string
	TunnelPath string
	Prefix     string
	Username   string
	Password   string

	// VNCHost is the address Guacamole uses to reach node VNC servers.
	VNCHost string
	Timeout time.Duration
}

// Links are the browser-facing URLs for a node console.
type Links struct {
	ClientURL    string `json:"client_url" yaml:"client_url"`
	TunnelURL    string `json:"tunnel_url" yaml:"tunnel_url"`
	WebsocketURL string `json:"websocket_url" yaml:"websocket_url"`
}

// Gateway manages console connections.
type Gateway interface {
	// Register creates a VNC connection to VNCHost:port and returns its identifier.
	Register(ctx context.Context, name string, port int) (string, error)
	// RegisterEndpoint creates a VNC connection to an arbitrary host:port.
	RegisterEndpoint(ctx context.Context, name, host string, port int) (string, error)
	// Deregister removes a connection. Unknown or empty ids are not an error.
	Deregister(ctx context.Context, connectionID string) error
	// DeregisterByName removes every connection called name and returns how many were removed.
	DeregisterByName(ctx context.Context, name string) (int, error)
	Links(name string) Links
}

type client struct {
	cfg     Config
	apiURL  string
	baseURL string
	http    *http.Client
}

// NewGateway returns a Guacamole REST client. It holds no session state between calls.
func NewGateway(cfg Config) (Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("console: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("console: parse base url: %w", err)
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "api"
	}
	if cfg.TunnelPath == "" {
		cfg.TunnelPath = "websocket-tunnel"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "nodelab"
	}
	if cfg.VNCHost == "" {
		cfg.VNCHost = "127.0.0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.APIPath = strings.Trim(strings.TrimSpace(cfg.APIPath), "/")
	cfg.TunnelPath = strings.Trim(strings.TrimSpace(cfg.TunnelPath), "/")

	return &client{
		cfg:     cfg,
		baseURL: base,
		apiURL:  base + "/" + cfg.APIPath,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type authResponse struct {
	AuthToken  string `json:"authToken"`
	DataSource string `json:"dataSource"`
}

type connectionRequest struct {
	Name             string               `json:"name"`
	ParentIdentifier string               `json:"parentIdentifier"`
	Protocol         string               `json:"protocol"`
	Parameters       connectionParameters `json:"parameters"`
	Attributes       connectionAttributes `json:"attributes"`
}

type connectionParameters struct {
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
}

type connectionAttributes struct {
	MaxConnections        string `json:"max-connections"`
	MaxConnectionsPerUser string `json:"max-connections-per-user"`
}

type connectionResponse struct {
	Identifier string `json:"identifier"`
}

func (c *client) Register(ctx context.Context, name string, port int) (string, error) {
	return c.RegisterEndpoint(ctx, name, c.cfg.VNCHost, port)
}

func (c *client) RegisterEndpoint(ctx context.Context, name, host string, port int) (string, error) {
	log := logger.FromContext(ctx)

	auth, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(connectionRequest{
		Name:             name,
		ParentIdentifier: "ROOT",
		Protocol:         "vnc",
		Parameters: connectionParameters{
			Hostname: host,
			Port:     strconv.Itoa(port),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode connection: %v", ErrGateway, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.connectionsURL(auth.DataSource), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, auth.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: create connection: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("%w: create connection: %v", ErrGateway, err)
	}

	var created connectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("%w: decode connection: %v", ErrGateway, err)
	}
	if created.Identifier == "" {
		return "", fmt.Errorf("%w: empty connection identifier", ErrGateway)
	}

	log.InfoContext(ctx, "registered console connection", "name", name, "host", host, "port", port, "connection_id", created.Identifier)
	return created.Identifier, nil
}

func (c *client) Deregister(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return nil
	}
	auth, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	return c.deleteConnection(ctx, auth, connectionID)
}

type connectionSummary struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

func (c *client) DeregisterByName(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	auth, err := c.authenticate(ctx)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectionsURL(auth.DataSource), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.Header.Set(tokenHeader, auth.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: list connections: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, fmt.Errorf("%w: list connections: %v", ErrGateway, err)
	}
	var listed map[string]connectionSummary
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return 0, fmt.Errorf("%w: decode connections: %v", ErrGateway, err)
	}

	removed := 0
	for key, conn := range listed {
		if conn.Name != name {
			continue
		}
		id := conn.Identifier
		if id == "" {
			id = key
		}
		if err := c.deleteConnection(ctx, auth, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *client) deleteConnection(ctx context.Context, auth *authResponse, connectionID string) error {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.connectionsURL(auth.DataSource)+"/"+url.PathEscape(connectionID), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.Header.Set(tokenHeader, auth.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete connection: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.DebugContext(ctx, "console connection already gone", "connection_id", connectionID)
		return nil
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%w: delete connection %s: %v", ErrGateway, connectionID, err)
	}

	log.InfoContext(ctx, "deregistered console connection", "connection_id", connectionID)
	return nil
}

func (c *client) Links(name string) Links {
	clientID := SanitizeIdentifier(c.cfg.Prefix) + "-" + SanitizeIdentifier(name)
	return Links{
		ClientURL:    c.baseURL + "/#/client/" + clientID,
		TunnelURL:    c.baseURL + "/" + c.cfg.TunnelPath,
		WebsocketURL: websocketURL(c.baseURL, c.cfg.TunnelPath),
	}
}

func (c *client) authenticate(ctx context.Context) (*authResponse, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticate: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrGateway, ErrAuth, err)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("%w: decode token: %v", ErrGateway, err)
	}
	if auth.AuthToken == "" || auth.DataSource == "" {
		return nil, fmt.Errorf("%w: %w: incomplete token response", ErrGateway, ErrAuth)
	}
	return &auth, nil
}

func (c *client) connectionsURL(dataSource string) string {
	return c.apiURL + "/session/data/" + url.PathEscape(dataSource) + "/connections"
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

func websocketURL(base, tunnelPath string) string {
	scheme, rest := "ws://", base
	switch {
	case strings.HasPrefix(base, "https://"):
		scheme, rest = "wss://", strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		rest = strings.TrimPrefix(base, "http://")
	}
	return scheme + strings.Trim(rest, "/") + "/" + strings.Trim(tunnelPath, "/")
}

// SanitizeIdentifier lowercases s and collapses every run of non-alphanumerics into a single hyphen.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	hyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			hyphen = false
		default:
			if !hyphen {
				b.WriteByte('-')
			}
			hyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
