// Command parlor is a terminal client for the signaling core: it connects
// to a relay, joins a voice room and answers incoming calls, printing
// participant and latency events as they happen. It is the reference
// consumer of the client engine; a real user interface wires the same
// calls and callbacks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorapp/parlor/internal/client"
	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/mesh"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info().
		Str("relay_url", cfg.RelayURL).
		Str("user_id", cfg.UserID).
		Str("room", cfg.Room).
		Msg("starting parlor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disconnected := make(chan struct{})
	var engine *client.Engine

	events := client.Events{
		ParticipantJoined: func(p mesh.Participant) {
			logger.Info().Str("user_id", p.UserID).Str("username", p.Username).Msg("participant joined")
		},
		ParticipantLeft: func(p mesh.Participant) {
			logger.Info().Str("user_id", p.UserID).Str("username", p.Username).Msg("participant left")
		},
		RemoteTrack: func(remotePeerID string, track *webrtc.TrackRemote) {
			logger.Info().Str("remote_peer", remotePeerID).Str("kind", track.Kind().String()).Msg("remote track")
		},
		IncomingCall: func(callID, callerID, callerUsername string) {
			logger.Info().Str("call_id", callID).Str("caller", callerUsername).Msg("incoming call, accepting")
			if err := engine.AcceptCall(); err != nil {
				logger.Warn().Err(err).Msg("accept failed")
			}
		},
		CallStarted: func(callID, remoteUserID string) {
			logger.Info().Str("call_id", callID).Str("with", remoteUserID).Msg("call started")
		},
		CallEnded: func(callID, reason string) {
			logger.Info().Str("call_id", callID).Str("reason", reason).Msg("call ended")
		},
		Latency: func(remotePeerID string, rtt time.Duration, ok bool) {
			if ok {
				logger.Debug().Str("remote_peer", remotePeerID).Dur("rtt", rtt).Msg("latency")
			}
		},
		Disconnected: func(err error) {
			logger.Error().Err(err).Msg("relay connection lost")
			close(disconnected)
		},
	}

	engine, err = client.Dial(ctx, cfg, events, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to relay")
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.Room != "" {
		if err := engine.JoinVoiceChannel(cfg.Room); err != nil {
			logger.Error().Err(err).Str("room", cfg.Room).Msg("failed to join room")
			os.Exit(1)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case <-disconnected:
		os.Exit(1)
	}
}
