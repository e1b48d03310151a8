package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/config"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

// warningRecorder collects the warning_code of every warn record.
type warningRecorder struct {
	mu    sync.Mutex
	codes map[string]bool
}

func newWarningLogger() (*slog.Logger, *warningRecorder) {
	r := &warningRecorder{codes: map[string]bool{}}
	return slog.New(r), r
}

func (r *warningRecorder) Enabled(_ context.Context, l slog.Level) bool {
	return l == slog.LevelWarn
}

func (r *warningRecorder) Handle(_ context.Context, rec slog.Record) error {
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "warning_code" {
			r.mu.Lock()
			r.codes[a.Value.String()] = true
			r.mu.Unlock()
		}
		return true
	})
	return nil
}

func (r *warningRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *warningRecorder) WithGroup(string) slog.Handler      { return r }

func (r *warningRecorder) Codes() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.codes))
	for k, v := range r.codes {
		out[k] = v
	}
	return out
}

func TestStartupSecurityWarnings_InsecureDefaults(t *testing.T) {
	logger, rec := newWarningLogger()

	cfg := config.Config{
		ServerURL: "ws://localhost:8765",
		Role:      signaling.RoleResponder,
	}
	logStartupSecurityWarnings(logger, cfg)

	codes := rec.Codes()
	for _, want := range []string{"plaintext_websocket", "server_key_unverified", "ephemeral_permanent_key", "responder_without_token"} {
		if !codes[want] {
			t.Fatalf("expected warning_code=%s, got %#v", want, codes)
		}
	}
}

func TestStartupSecurityWarnings_HardenedConfigIsQuiet(t *testing.T) {
	logger, rec := newWarningLogger()

	ks, err := cryptobox.GenerateKeyStore()
	if err != nil {
		t.Fatalf("GenerateKeyStore: %v", err)
	}
	serverKey := ks.PublicKey()
	tok, err := cryptobox.GenerateAuthToken()
	if err != nil {
		t.Fatalf("GenerateAuthToken: %v", err)
	}
	cfg := config.Config{
		ServerURL:       "wss://signaling.example.com",
		Role:            signaling.RoleResponder,
		KeyFile:         "/var/lib/saltyrtc/key",
		ServerPublicKey: &serverKey,
		AuthToken:       tok,
	}
	logStartupSecurityWarnings(logger, cfg)

	if codes := rec.Codes(); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}
