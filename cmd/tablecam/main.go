package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	goredis "github.com/redis/go-redis/v9"

	"tablecam/native/internal/api"
	"tablecam/native/internal/config"
	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
	"tablecam/native/internal/mesh"
	"tablecam/native/internal/presence"
	"tablecam/native/internal/redis"
	"tablecam/native/internal/signal"
	"tablecam/native/internal/viewer"
	"tablecam/native/internal/webrtc"
)

const helpText = `tablecam - Share a table camera with every player in a room over WebRTC

Usage:
  tablecam [options]

Each player streams the local camera to every other player in the room and
receives theirs. Presence is tracked in Redis; signaling goes through Redis
directly or through the signal store server.

Environment Variables (required):
  TABLECAM_ROOM   Room to join
  TABLECAM_USER   Player ID, unique within the room

Environment Variables (optional):
  TABLECAM_STORE  redis (default), remote or memory
  SIGNAL_URL      Store websocket URL for the remote store
  SIGNAL_TOKEN    Store token; obtained by login when empty
  MEDIA_FILE      Annex-B H264 file sent as the local camera
  RECORD_DIR      Write every remote track to this directory
  LOG_LEVEL       trace, debug, info, warn or error

Examples:
  # Share a recorded camera and keep what the others send
  TABLECAM_ROOM=friday TABLECAM_USER=alice MEDIA_FILE=cam.h264 RECORD_DIR=out tablecam

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablecam: %v\n", err)
		os.Exit(1)
	}

	lf := config.LoggerFactory(cfg.LogLevel)
	log := lf.NewLogger("main")

	if err := run(cfg, lf, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Info("done")
}

func run(cfg *config.Config, lf logging.LoggerFactory, log logging.LeveledLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	// Presence always lives in Redis.
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store, closeStore, err := openStore(ctx, cfg, rdb, lf)
	if err != nil {
		return err
	}
	defer closeStore()

	transport := signal.NewTransport(signal.TransportConfig{
		Store:         store,
		Lookback:      cfg.SignalLookback,
		LoggerFactory: lf,
	})

	var sink webrtc.TrackSink
	if cfg.RecordDir != "" {
		rec, err := webrtc.NewRecorder(cfg.RecordDir, lf)
		if err != nil {
			return err
		}
		sink = rec
	}

	feed := presence.New(presence.Config{
		Client:            rdb,
		TTL:               cfg.PresenceTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LoggerFactory:     lf,
	})

	view := viewer.New(viewer.Config{
		RoomID:        cfg.RoomID,
		PeerID:        cfg.UserID,
		Feed:          feed,
		LoggerFactory: lf,
	})

	iceServers := toPion(cfg.ICEServers)
	orch := mesh.New(mesh.Config{
		Transport: transport,
		NewAdapter: func(localID, _ string, events domain.PeerEvents) (domain.PeerAdapter, error) {
			return webrtc.NewAdapter(webrtc.Config{
				LocalID:       localID,
				ICEServers:    iceServers,
				Send:          transport.Send,
				Events:        events,
				Sink:          sink,
				LoggerFactory: lf,
			})
		},
		Callbacks:            view.Callbacks(),
		Coordinator:          mesh.NewCoordinator(),
		WatchdogInterval:     cfg.Watchdog.Interval,
		StuckThreshold:       cfg.Watchdog.StuckThreshold,
		MaxReconnectAttempts: cfg.Watchdog.MaxAttempts,
		ReconnectCooldown:    cfg.Watchdog.Cooldown,
		LoggerFactory:        lf,
	})

	capture, err := media.NewCapture("tablecam-"+cfg.UserID, lf)
	if err != nil {
		return err
	}
	if cfg.MediaFile != "" {
		go func() {
			if err := capture.PlayH264File(ctx, cfg.MediaFile, cfg.MediaFPS); err != nil {
				log.Errorf("media: %v", err)
			}
		}()
	} else {
		log.Warn("MEDIA_FILE not set, sending an empty video track")
	}

	orch.SetIdentity(cfg.UserID, cfg.RoomID)
	orch.SetLocalStream(capture.Stream)

	go func() {
		if err := view.Run(ctx, orch); err != nil {
			log.Errorf("presence: %v", err)
			cancel()
		}
	}()

	log.Infof("joining room %s as %s", cfg.RoomID, cfg.UserID)
	err = orch.Run(ctx)
	log.Info("shutting down")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, rdb *goredis.Client, lf logging.LoggerFactory) (signal.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		return signal.NewRedisStore(signal.RedisStoreConfig{Client: rdb, LoggerFactory: lf}), func() {}, nil

	case config.StoreMemory:
		s := signal.NewMemoryStore()
		return s, func() { s.Close() }, nil

	case config.StoreRemote:
		token := cfg.SignalToken
		if token == "" {
			var err error
			token, err = api.NewClient(api.BaseURL(cfg.SignalURL)).Login(ctx, cfg.UserID, cfg.UserID)
			if err != nil {
				return nil, nil, fmt.Errorf("store login: %w", err)
			}
		}
		s := signal.NewRemoteStore(signal.RemoteStoreConfig{URL: cfg.SignalURL, Token: token, LoggerFactory: lf})
		if err := s.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect store: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, errors.New("unknown store " + cfg.Store)
}

func toPion(servers []config.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := pion.ICEServer{URLs: []string{s.URL}}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

