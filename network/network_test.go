package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"picsend/crypto"
	"picsend/models"
	"picsend/share"
)

func newTestIdentity(t *testing.T, alias string) (tls.Certificate, models.DeviceInfo) {
	t.Helper()
	cert, err := crypto.GenerateCertificate(alias)
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	fingerprint, err := crypto.Fingerprint(cert)
	if err != nil {
		t.Fatalf("fingerprint certificate: %v", err)
	}
	return cert, models.DeviceInfo{
		Alias:       alias,
		Version:     appVersion,
		DeviceType:  models.DeviceTypeDesktop,
		Fingerprint: fingerprint,
		Protocol:    models.ProtocolHTTPS,
	}
}

func startTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	server, err := StartServer(cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generate fixture payload: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}

func insecureHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}
}

func prepareSession(t *testing.T, baseURL string, sender models.DeviceInfo, meta models.FileMeta) prepareUploadResponse {
	t.Helper()
	payload, err := json.Marshal(prepareUploadRequest{
		Info:  sender,
		Files: map[string]models.FileMeta{meta.ID: meta},
	})
	if err != nil {
		t.Fatalf("encode prepare-upload: %v", err)
	}
	resp, err := insecureHTTPClient().Post(baseURL+apiPrepareUploadPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("prepare upload: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare upload answered %s", resp.Status)
	}
	var session prepareUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode prepare-upload response: %v", err)
	}
	return session
}

func TestServerReportsDeviceInfo(t *testing.T) {
	cert, self := newTestIdentity(t, "receiver")
	server := startTestServer(t, ServerConfig{
		Self:         self,
		Certificate:  cert,
		DownloadsDir: t.TempDir(),
	})

	resp, err := insecureHTTPClient().Get(fmt.Sprintf("https://127.0.0.1:%d%s", server.Port(), apiInfoPath))
	if err != nil {
		t.Fatalf("fetch info: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var got models.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if got.Alias != "receiver" || got.Fingerprint != self.Fingerprint {
		t.Fatalf("unexpected device info: %+v", got)
	}
}

func TestServerReceivesPreparedUpload(t *testing.T) {
	cert, self := newTestIdentity(t, "receiver")
	downloads := t.TempDir()

	var receivedFrom models.DeviceInfo
	var receivedPath string
	server := startTestServer(t, ServerConfig{
		Self:         self,
		Certificate:  cert,
		DownloadsDir: downloads,
		OnReceive: func(from models.DeviceInfo, path string) {
			receivedFrom = from
			receivedPath = path
		},
	})
	baseURL := fmt.Sprintf("https://127.0.0.1:%d", server.Port())

	_, sender := newTestIdentity(t, "sender")
	sourcePath := createFixtureFile(t, t.TempDir(), "sample.bin", 512*1024)
	checksum, err := fileChecksumHex(sourcePath)
	if err != nil {
		t.Fatalf("checksum fixture: %v", err)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		t.Fatalf("stat fixture: %v", err)
	}
	meta := models.FileMeta{
		ID:       "file-1",
		FileName: "sample.bin",
		Size:     info.Size(),
		FileType: "application/octet-stream",
		Checksum: checksum,
	}

	session := prepareSession(t, baseURL, sender, meta)
	token := session.Files[meta.ID]
	if token == "" {
		t.Fatal("expected an upload token for the prepared file")
	}

	body, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	uploadURL := fmt.Sprintf("%s%s?%s=%s&%s=%s&%s=%s",
		baseURL, apiUploadPath,
		queryParamSession, session.SessionID,
		queryParamFile, meta.ID,
		queryParamToken, token)
	resp, err := insecureHTTPClient().Post(uploadURL, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload answered %s", resp.Status)
	}

	finalPath := filepath.Join(downloads, "sample.bin")
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("received file content differs from the source")
	}
	if receivedFrom.Alias != "sender" || receivedPath != finalPath {
		t.Fatalf("unexpected receive notification: from=%+v path=%s", receivedFrom, receivedPath)
	}
}

func TestServerRejectsUploadWithBadToken(t *testing.T) {
	cert, self := newTestIdentity(t, "receiver")
	downloads := t.TempDir()
	server := startTestServer(t, ServerConfig{
		Self:         self,
		Certificate:  cert,
		DownloadsDir: downloads,
	})
	baseURL := fmt.Sprintf("https://127.0.0.1:%d", server.Port())

	_, sender := newTestIdentity(t, "sender")
	meta := models.FileMeta{ID: "file-1", FileName: "secret.bin", Size: 4}
	session := prepareSession(t, baseURL, sender, meta)

	uploadURL := fmt.Sprintf("%s%s?%s=%s&%s=%s&%s=forged",
		baseURL, apiUploadPath,
		queryParamSession, session.SessionID,
		queryParamFile, meta.ID,
		queryParamToken)
	resp, err := insecureHTTPClient().Post(uploadURL, "application/octet-stream", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a forged token, got %s", resp.Status)
	}

	entries, err := os.ReadDir(downloads)
	if err != nil {
		t.Fatalf("read downloads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty downloads dir, found %d entries", len(entries))
	}
}

func TestServerRejectsChecksumMismatch(t *testing.T) {
	cert, self := newTestIdentity(t, "receiver")
	downloads := t.TempDir()
	server := startTestServer(t, ServerConfig{
		Self:         self,
		Certificate:  cert,
		DownloadsDir: downloads,
	})
	baseURL := fmt.Sprintf("https://127.0.0.1:%d", server.Port())

	_, sender := newTestIdentity(t, "sender")
	body := []byte("not the promised bytes")
	meta := models.FileMeta{
		ID:       "file-1",
		FileName: "tampered.bin",
		Size:     int64(len(body)),
		Checksum: strings.Repeat("ab", 32),
	}
	session := prepareSession(t, baseURL, sender, meta)

	uploadURL := fmt.Sprintf("%s%s?%s=%s&%s=%s&%s=%s",
		baseURL, apiUploadPath,
		queryParamSession, session.SessionID,
		queryParamFile, meta.ID,
		queryParamToken, session.Files[meta.ID])
	resp, err := insecureHTTPClient().Post(uploadURL, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("expected the upload to be rejected")
	}

	entries, err := os.ReadDir(downloads)
	if err != nil {
		t.Fatalf("read downloads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files kept after checksum mismatch, found %d", len(entries))
	}
}

func TestClientSendFileEndToEnd(t *testing.T) {
	receiverCert, receiverSelf := newTestIdentity(t, "receiver")
	downloads := t.TempDir()
	server := startTestServer(t, ServerConfig{
		Self:         receiverSelf,
		Certificate:  receiverCert,
		DownloadsDir: downloads,
	})
	receiverSelf.Port = server.Port()

	senderCert, _ := newTestIdentity(t, "ignored")
	client, err := New(Config{
		Alias:        "sender",
		DownloadsDir: t.TempDir(),
		Certificate:  senderCert,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.peersFn = func() map[string]share.Peer {
		return map[string]share.Peer{
			receiverSelf.Fingerprint: {
				Addr:   fmt.Sprintf("127.0.0.1:%d", receiverSelf.Port),
				Device: receiverSelf,
			},
		}
	}

	sourcePath := createFixtureFile(t, t.TempDir(), "photo.jpg", 256*1024)
	if err := client.SendFile(context.Background(), receiverSelf.Fingerprint, sourcePath); err != nil {
		t.Fatalf("send file: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(downloads, "photo.jpg"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	want, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("received file content differs from the source")
	}
}

func TestClientSendFileAvoidsNameCollisions(t *testing.T) {
	receiverCert, receiverSelf := newTestIdentity(t, "receiver")
	downloads := t.TempDir()
	server := startTestServer(t, ServerConfig{
		Self:         receiverSelf,
		Certificate:  receiverCert,
		DownloadsDir: downloads,
	})
	receiverSelf.Port = server.Port()

	senderCert, _ := newTestIdentity(t, "ignored")
	client, err := New(Config{
		Alias:        "sender",
		DownloadsDir: t.TempDir(),
		Certificate:  senderCert,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.peersFn = func() map[string]share.Peer {
		return map[string]share.Peer{
			receiverSelf.Fingerprint: {
				Addr:   fmt.Sprintf("127.0.0.1:%d", receiverSelf.Port),
				Device: receiverSelf,
			},
		}
	}

	sourcePath := createFixtureFile(t, t.TempDir(), "report.txt", 2048)
	for i := 0; i < 2; i++ {
		if err := client.SendFile(context.Background(), receiverSelf.Fingerprint, sourcePath); err != nil {
			t.Fatalf("send file attempt %d: %v", i+1, err)
		}
	}

	for _, name := range []string{"report.txt", "report (1).txt"} {
		if _, err := os.Stat(filepath.Join(downloads, name)); err != nil {
			t.Fatalf("expected %s in downloads dir: %v", name, err)
		}
	}
}

func TestClientSendFileRescansOnceForUnknownPeer(t *testing.T) {
	senderCert, _ := newTestIdentity(t, "ignored")
	client, err := New(Config{
		Alias:        "sender",
		DownloadsDir: t.TempDir(),
		Certificate:  senderCert,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	refreshes := 0
	client.peersFn = func() map[string]share.Peer { return map[string]share.Peer{} }
	client.refreshFn = func(ctx context.Context) error {
		refreshes++
		return nil
	}

	sourcePath := createFixtureFile(t, t.TempDir(), "sample.bin", 1024)
	err = client.SendFile(context.Background(), "deadbeef", sourcePath)
	if err == nil {
		t.Fatal("expected sending to an unknown peer to fail")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("expected exactly one forced rescan, got %d", refreshes)
	}
}

func TestClientLivePeersBeforeStartIsEmpty(t *testing.T) {
	senderCert, _ := newTestIdentity(t, "ignored")
	client, err := New(Config{
		Alias:        "sender",
		DownloadsDir: t.TempDir(),
		Certificate:  senderCert,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if peers := client.LivePeers(); len(peers) != 0 {
		t.Fatalf("expected no peers before start, got %d", len(peers))
	}
}
