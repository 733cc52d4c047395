package network

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"picsend/models"
)

// ServerConfig configures the inbound HTTPS transfer server.
type ServerConfig struct {
	Self          models.DeviceInfo
	Certificate   tls.Certificate
	ListeningPort int
	DownloadsDir  string

	// OnReceive is invoked after a file has been fully written and renamed
	// into DownloadsDir. Optional.
	OnReceive func(from models.DeviceInfo, path string)
}

func (c ServerConfig) validate() error {
	if c.Self.Fingerprint == "" {
		return errors.New("server config requires the device fingerprint")
	}
	if c.DownloadsDir == "" {
		return errors.New("server config requires a downloads directory")
	}
	if len(c.Certificate.Certificate) == 0 {
		return errors.New("server config requires a TLS certificate")
	}
	return nil
}

// uploadSession tracks one accepted prepare-upload batch. Files are removed
// as they finish; the session is dropped when the last file lands.
type uploadSession struct {
	from   models.DeviceInfo
	files  map[string]models.FileMeta
	tokens map[string]string
}

// Server accepts file pushes from peers over HTTPS.
type Server struct {
	config     ServerConfig
	listener   net.Listener
	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*uploadSession

	stopOnce sync.Once
}

// StartServer binds the transfer listener and begins serving. A zero
// ListeningPort binds an ephemeral port; use Port to read the bound one.
func StartServer(config ServerConfig) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.DownloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads directory: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.ListeningPort))
	if err != nil {
		return nil, fmt.Errorf("bind transfer listener: %w", err)
	}

	server := &Server{
		config:   config,
		listener: listener,
		sessions: make(map[string]*uploadSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(apiInfoPath, server.handleInfo)
	mux.HandleFunc(apiPrepareUploadPath, server.handlePrepareUpload)
	mux.HandleFunc(apiUploadPath, server.handleUpload)

	server.httpServer = &http.Server{Handler: mux}
	tlsListener := tls.NewListener(listener, &tls.Config{
		Certificates: []tls.Certificate{config.Certificate},
	})

	go func() {
		_ = server.httpServer.Serve(tlsListener)
	}()

	return server, nil
}

// Port returns the bound listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener and any in-flight connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		_ = s.httpServer.Close()
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "info requires GET")
		return
	}
	writeJSON(w, http.StatusOK, s.config.Self)
}

func (s *Server) handlePrepareUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "prepare-upload requires POST")
		return
	}

	var req prepareUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed prepare-upload request")
		return
	}
	if req.Info.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "prepare-upload requires the sender fingerprint")
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "prepare-upload requires at least one file")
		return
	}
	for id, meta := range req.Files {
		if meta.FileName == "" || meta.Size < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid metadata for file %q", id))
			return
		}
	}

	session := &uploadSession{
		from:   req.Info,
		files:  make(map[string]models.FileMeta, len(req.Files)),
		tokens: make(map[string]string, len(req.Files)),
	}
	for id, meta := range req.Files {
		session.files[id] = meta
		session.tokens[id] = uuid.NewString()
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, prepareUploadResponse{
		SessionID: sessionID,
		Files:     session.tokens,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "upload requires POST")
		return
	}

	query := r.URL.Query()
	sessionID := query.Get(queryParamSession)
	fileID := query.Get(queryParamFile)
	token := query.Get(queryParamToken)

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	var meta models.FileMeta
	if ok {
		meta, ok = session.files[fileID]
	}
	if ok && session.tokens[fileID] != token {
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusForbidden, "unknown session, file, or token")
		return
	}

	finalPath, err := s.receiveFile(meta, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	delete(session.files, fileID)
	delete(session.tokens, fileID)
	if len(session.files) == 0 {
		delete(s.sessions, sessionID)
	}
	from := session.from
	s.mu.Unlock()

	if s.config.OnReceive != nil {
		s.config.OnReceive(from, finalPath)
	}
	w.WriteHeader(http.StatusOK)
}

// receiveFile streams the body into a hidden temp file, verifies size and
// checksum, then renames into place under a collision-free name.
func (s *Server) receiveFile(meta models.FileMeta, body io.Reader) (string, error) {
	baseName := filepath.Base(meta.FileName)
	if baseName == "." || baseName == string(filepath.Separator) {
		return "", fmt.Errorf("unusable file name %q", meta.FileName)
	}

	tempPath := filepath.Join(s.config.DownloadsDir, "."+uuid.NewString()+".part")
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(tempFile, hasher), body)
	closeErr := tempFile.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)
		if copyErr != nil {
			return "", fmt.Errorf("write file body: %w", copyErr)
		}
		return "", fmt.Errorf("close temp file: %w", closeErr)
	}

	if written != meta.Size {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("file body size mismatch: got %d bytes, expected %d", written, meta.Size)
	}
	if meta.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, meta.Checksum) {
			_ = os.Remove(tempPath)
			return "", fmt.Errorf("checksum mismatch for %s", baseName)
		}
	}

	finalPath := uniqueDownloadPath(s.config.DownloadsDir, baseName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize downloaded file: %w", err)
	}
	return finalPath, nil
}

// uniqueDownloadPath appends " (n)" before the extension until the name is
// free, so concurrent pushes of the same file never clobber each other.
func uniqueDownloadPath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}
