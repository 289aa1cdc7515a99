package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"marketchat/internal/chatsync"
	"marketchat/internal/infra/gatewayclient"
)

// session is one signed-in sync engine bound to the gateway.
type session struct {
	client   *chatsync.Client
	realtime *gatewayclient.Realtime
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
}

func openSession(ctx context.Context, p Profile) (*session, error) {
	logger := newLogger()
	api := gatewayclient.NewAPI(p.Gateway.URL, p.User.ID, nil)

	s := &session{}
	s.realtime = gatewayclient.NewRealtime(gatewayclient.RealtimeConfig{
		URL:    p.socketURL(),
		UserID: p.User.ID,
		Logger: logger,
		OnReconnect: func() {
			if s.client != nil {
				s.client.Resync()
			}
		},
	})
	if err := s.realtime.Connect(ctx); err != nil {
		return nil, err
	}
	client, err := chatsync.NewClient(chatsync.Config{
		Viewer:     p.viewer(),
		API:        api,
		Identity:   api,
		Requests:   api,
		Changes:    s.realtime,
		Broadcasts: s.realtime,
		Logger:     logger,
	})
	if err != nil {
		_ = s.realtime.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *session) Close() {
	_ = s.client.Close()
	_ = s.realtime.Close()
}
