package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"picsend/crypto"
	"picsend/discovery"
	"picsend/models"
	"picsend/share"
)

const (
	appVersion = "1.0"

	// DefaultRequestTimeout bounds the metadata round-trips. File bodies are
	// bounded by the caller's context instead, since large transfers have no
	// sensible fixed deadline.
	DefaultRequestTimeout = 10 * time.Second
)

// Config configures a LAN transfer client.
type Config struct {
	Alias         string
	DeviceModel   string
	DeviceType    string
	ListeningPort int
	DownloadsDir  string
	Certificate   tls.Certificate

	// FallbackToEphemeralPort retries the transfer listener on an ephemeral
	// port when the configured one is already taken. Discovery carries the
	// bound port either way.
	FallbackToEphemeralPort bool

	RequestTimeout time.Duration

	// Discovery overrides the mDNS service parameters. The Self descriptor is
	// always derived from this config and must be left empty.
	Discovery discovery.Config

	// OnReceive is invoked for every file a peer pushes to this device.
	OnReceive func(from models.DeviceInfo, path string)
}

func (c Config) withDefaults() Config {
	if c.DeviceType == "" {
		c.DeviceType = models.DeviceTypeDesktop
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.Alias == "" {
		return errors.New("client config requires an alias")
	}
	if c.DownloadsDir == "" {
		return errors.New("client config requires a downloads directory")
	}
	if len(c.Certificate.Certificate) == 0 {
		return errors.New("client config requires a TLS certificate")
	}
	return nil
}

// Client is the real-LAN transfer capability. It announces this device over
// mDNS, accepts pushes on an HTTPS listener, and sends files to peers
// addressed by certificate fingerprint.
type Client struct {
	config      Config
	self        models.DeviceInfo
	fingerprint string
	httpClient  *http.Client

	mu      sync.Mutex
	started bool
	server  *Server
	service *discovery.Service

	// Peer lookup and on-demand rescan, wired to the discovery scanner on
	// Start. Injectable for tests.
	peersFn   func() map[string]share.Peer
	refreshFn func(ctx context.Context) error
}

var _ share.Transport = (*Client)(nil)

// New builds a client from config. The network is not touched until Start.
func New(config Config) (*Client, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fingerprint, err := crypto.Fingerprint(cfg.Certificate)
	if err != nil {
		return nil, fmt.Errorf("fingerprint device certificate: %w", err)
	}

	return &Client{
		config:      cfg,
		fingerprint: fingerprint,
		self: models.DeviceInfo{
			Alias:       cfg.Alias,
			Version:     appVersion,
			DeviceModel: cfg.DeviceModel,
			DeviceType:  cfg.DeviceType,
			Fingerprint: fingerprint,
			Protocol:    models.ProtocolHTTPS,
		},
		httpClient: &http.Client{
			Transport: &http.Transport{
				// Peer certificates are self-signed device identities; trust
				// is anchored on the fingerprint carried in discovery, not on
				// a CA chain.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}, nil
}

// Fingerprint returns this device's certificate fingerprint.
func (c *Client) Fingerprint() string {
	return c.fingerprint
}

// Self returns the device descriptor announced to the LAN. The port is only
// populated after Start.
func (c *Client) Self() models.DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Start binds the transfer server and begins mDNS announce and scan.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}

	serverCfg := ServerConfig{
		Self:          c.self,
		Certificate:   c.config.Certificate,
		ListeningPort: c.config.ListeningPort,
		DownloadsDir:  c.config.DownloadsDir,
		OnReceive:     c.config.OnReceive,
	}
	server, err := StartServer(serverCfg)
	if err != nil && c.config.FallbackToEphemeralPort && c.config.ListeningPort != 0 {
		serverCfg.ListeningPort = 0
		server, err = StartServer(serverCfg)
	}
	if err != nil {
		return err
	}
	c.self.Port = server.Port()

	discoveryCfg := c.config.Discovery
	discoveryCfg.Self = c.self
	service, err := discovery.Start(discoveryCfg)
	if err != nil {
		server.Stop()
		return fmt.Errorf("start discovery: %w", err)
	}

	c.server = server
	c.service = service
	c.peersFn = func() map[string]share.Peer {
		return peersFromSnapshot(service.Scanner.Snapshot())
	}
	c.refreshFn = service.Scanner.Refresh
	c.started = true
	return nil
}

// Stop tears down discovery and the transfer server. Safe to call when the
// client never started.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.service.Stop()
	c.server.Stop()
	c.started = false
}

// LivePeers reports the reachable peers keyed by fingerprint.
func (c *Client) LivePeers() map[string]share.Peer {
	c.mu.Lock()
	peersFn := c.peersFn
	c.mu.Unlock()
	if peersFn == nil {
		return map[string]share.Peer{}
	}
	return peersFn()
}

// SendFile pushes the file at filePath to the peer with the given
// fingerprint. An unknown fingerprint triggers one forced rescan before the
// transfer is abandoned.
func (c *Client) SendFile(ctx context.Context, fingerprint, filePath string) error {
	peer, ok := c.lookupPeer(fingerprint)
	if !ok {
		if err := c.refresh(ctx); err != nil {
			return fmt.Errorf("rescan for peer %s: %w", crypto.FormatFingerprint(fingerprint), err)
		}
		peer, ok = c.lookupPeer(fingerprint)
	}
	if !ok {
		return fmt.Errorf("peer %s is not reachable on the local network", crypto.FormatFingerprint(fingerprint))
	}
	return c.upload(ctx, peer.Addr, filePath)
}

func (c *Client) lookupPeer(fingerprint string) (share.Peer, bool) {
	peer, ok := c.LivePeers()[fingerprint]
	return peer, ok
}

func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshFn := c.refreshFn
	c.mu.Unlock()
	if refreshFn == nil {
		return errors.New("client is not started")
	}
	return refreshFn(ctx)
}

// upload performs the two-step push: announce the file, then stream its body
// under the issued token.
func (c *Client) upload(ctx context.Context, addr, filePath string) error {
	checksum, err := fileChecksumHex(filePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	fileID := uuid.NewString()
	meta := models.FileMeta{
		ID:       fileID,
		FileName: filepath.Base(filePath),
		Size:     info.Size(),
		FileType: fileTypeFor(filePath),
		Checksum: checksum,
	}

	baseURL := "https://" + addr
	session, err := c.prepareUpload(ctx, baseURL, meta)
	if err != nil {
		return err
	}
	token, ok := session.Files[fileID]
	if !ok {
		return fmt.Errorf("peer accepted the session but issued no token for %s", meta.FileName)
	}
	return c.uploadBody(ctx, baseURL, session.SessionID, fileID, token, filePath, info.Size())
}

func (c *Client) prepareUpload(ctx context.Context, baseURL string, meta models.FileMeta) (prepareUploadResponse, error) {
	payload, err := json.Marshal(prepareUploadRequest{
		Info:  c.Self(),
		Files: map[string]models.FileMeta{meta.ID: meta},
	})
	if err != nil {
		return prepareUploadResponse{}, fmt.Errorf("encode prepare-upload request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+apiPrepareUploadPath, bytes.NewReader(payload))
	if err != nil {
		return prepareUploadResponse{}, fmt.Errorf("build prepare-upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return prepareUploadResponse{}, fmt.Errorf("prepare upload: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return prepareUploadResponse{}, fmt.Errorf("prepare upload: peer answered %s: %s", resp.Status, readErrorMessage(resp.Body))
	}

	var session prepareUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return prepareUploadResponse{}, fmt.Errorf("decode prepare-upload response: %w", err)
	}
	return session, nil
}

func (c *Client) uploadBody(ctx context.Context, baseURL, sessionID, fileID, token, filePath string, size int64) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	query := url.Values{}
	query.Set(queryParamSession, sessionID)
	query.Set(queryParamFile, fileID)
	query.Set(queryParamToken, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+apiUploadPath+"?"+query.Encode(), file)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload file: peer answered %s: %s", resp.Status, readErrorMessage(resp.Body))
	}
	return nil
}

func peersFromSnapshot(snapshot map[string]discovery.Peer) map[string]share.Peer {
	peers := make(map[string]share.Peer, len(snapshot))
	for fingerprint, peer := range snapshot {
		host := peer.Addr()
		if host == "" || peer.Device.Port <= 0 {
			continue
		}
		peers[fingerprint] = share.Peer{
			Addr:   net.JoinHostPort(host, strconv.Itoa(peer.Device.Port)),
			Device: peer.Device,
		}
	}
	return peers
}

func fileTypeFor(path string) string {
	if fileType := mime.TypeByExtension(filepath.Ext(path)); fileType != "" {
		return fileType
	}
	return "application/octet-stream"
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// readErrorMessage pulls the JSON error body off a failed response, falling
// back to a generic note when the body is not parseable.
func readErrorMessage(body io.Reader) string {
	var payload errorResponse
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil || payload.Message == "" {
		return "no error detail"
	}
	return payload.Message
}
