package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"picsend/config"
	"picsend/crypto"
	"picsend/models"
	"picsend/network"
	"picsend/share"
	"picsend/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	cert, err := crypto.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.Alias)
	if err != nil {
		log.Fatalf("startup failed while preparing device certificate: %v", err)
	}
	fingerprint, err := crypto.Fingerprint(cert)
	if err != nil {
		log.Fatalf("startup failed while fingerprinting certificate: %v", err)
	}

	fmt.Printf("Alias:           %s\n", cfg.Alias)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadsDir)
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	client, err := network.New(network.Config{
		Alias:                   cfg.Alias,
		DeviceModel:             cfg.DeviceModel,
		DeviceType:              cfg.DeviceType,
		ListeningPort:           cfg.ListeningPort,
		DownloadsDir:            cfg.DownloadsDir,
		Certificate:             cert,
		FallbackToEphemeralPort: cfg.PortMode == config.PortModeAutomatic,
		OnReceive: func(from models.DeviceInfo, path string) {
			log.Printf("received %q from %q", path, from.Alias)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building network client: %v", err)
	}

	manager, err := share.New(share.Options{
		Transport: client,
		Store:     store,
	})
	if err != nil {
		log.Fatalf("startup failed while building share manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pumpEvents(ctx, manager)

	// Optional one-shot send: picsend <peer-fingerprint> <file>
	if len(os.Args) == 3 {
		go sendWhenDiscovered(ctx, manager, os.Args[1], os.Args[2])
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	manager.Shutdown()
	<-manager.Done()
	logEvents(manager.PollEvents())
}

// pumpEvents polls the manager and logs everything it reports.
func pumpEvents(ctx context.Context, manager *share.Manager) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-manager.Done():
			return
		case <-ticker.C:
			logEvents(manager.PollEvents())
		}
	}
}

func logEvents(events []share.Event) {
	for _, event := range events {
		switch event.Type {
		case share.EventPeerDiscovered:
			log.Printf("peer available fingerprint=%s alias=%q addr=%s",
				crypto.FormatFingerprint(event.Fingerprint), event.Device.Alias, event.Addr)
		case share.EventPeerLost:
			log.Printf("peer lost fingerprint=%s", crypto.FormatFingerprint(event.Fingerprint))
		case share.EventTransferStarted:
			log.Printf("transfer started file=%q peer=%s", event.FilePath, crypto.FormatFingerprint(event.Fingerprint))
		case share.EventTransferComplete:
			log.Printf("transfer complete file=%q peer=%s", event.FilePath, crypto.FormatFingerprint(event.Fingerprint))
		case share.EventTransferFailed:
			log.Printf("transfer failed file=%q peer=%s cause=%s",
				event.FilePath, crypto.FormatFingerprint(event.Fingerprint), event.Message)
		default:
			log.Printf("event=%s message=%s", event.Type, event.Message)
		}
	}
}

// sendWhenDiscovered queues a one-shot send as soon as the target peer shows
// up in the directory.
func sendWhenDiscovered(ctx context.Context, manager *share.Manager, fingerprint, filePath string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := manager.Peers()[fingerprint]; !ok {
				continue
			}
			if err := manager.SendFile(fingerprint, filePath); err != nil {
				log.Printf("queue send failed: %v", err)
			}
			return
		}
	}
}
