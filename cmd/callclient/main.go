// callclient is the headless client for tutoring calls and shadow
// sessions: it joins a signaling room, negotiates peer connections and,
// in call mode, optionally records the remote side.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/morpheuslive/callkit/internal/call"
	"github.com/morpheuslive/callkit/internal/config"
	"github.com/morpheuslive/callkit/internal/ice"
	"github.com/morpheuslive/callkit/internal/media"
	"github.com/morpheuslive/callkit/internal/recorder"
	"github.com/morpheuslive/callkit/internal/rtc"
	"github.com/morpheuslive/callkit/internal/shadow"
	"github.com/morpheuslive/callkit/internal/signaling"
)

// Application holds the wired components for one run.
type Application struct {
	cfg     *config.Config
	log     *zap.Logger
	channel *signaling.Channel
	stun    *ice.LocalServer
	bundle  *media.Bundle
	factory rtc.Factory

	recorder *recorder.Recorder
	uploader *recorder.Uploader
}

func main() {
	cfg := config.NewDefaultConfig()

	flag.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "signaling websocket URL")
	flag.StringVar(&cfg.RoomID, "room", cfg.RoomID, "session or doubt id to join")
	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "call or shadow")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "tutor or student (call mode)")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name for chat")
	flag.StringVar(&cfg.ICE.CredentialURL, "ice-url", cfg.ICE.CredentialURL, "ICE credential endpoint")
	flag.BoolVar(&cfg.ICE.LocalSTUN, "local-stun", cfg.ICE.LocalSTUN, "run an embedded STUN server")
	flag.BoolVar(&cfg.Recording.Enabled, "record", cfg.Recording.Enabled, "record the remote side (call mode)")
	flag.StringVar(&cfg.Recording.OutputPath, "record-dir", cfg.Recording.OutputPath, "recording output directory")
	flag.StringVar(&cfg.Storage.Endpoint, "storage-endpoint", cfg.Storage.Endpoint, "S3-compatible endpoint for finished recordings")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.RoomID == "" {
		log.Fatal("missing -room")
	}
	if cfg.Mode != "call" && cfg.Mode != "shadow" {
		log.Fatal("mode must be call or shadow", zap.String("mode", cfg.Mode))
	}

	app, err := NewApplication(cfg, log)
	if err != nil {
		log.Fatal("setup failed", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(); err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	app := &Application{cfg: cfg, log: log}

	if cfg.Recording.Enabled && cfg.Mode == "call" {
		app.recorder = recorder.New(recorder.NewDefaultConfig(cfg.Recording.OutputPath), log)
		if cfg.Storage.Endpoint != "" {
			up, err := recorder.NewUploader(recorder.UploaderConfig{
				Endpoint:  cfg.Storage.Endpoint,
				AccessKey: cfg.Storage.AccessKey,
				SecretKey: cfg.Storage.SecretKey,
				Bucket:    cfg.Storage.Bucket,
				UseSSL:    cfg.Storage.UseSSL,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("storage uploader: %w", err)
			}
			app.uploader = up
		}
	}
	return app, nil
}

func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers, err := app.resolveICE(ctx)
	if err != nil {
		return err
	}

	ch, err := signaling.Dial(ctx, app.cfg.SignalingURL, app.log)
	if err != nil {
		return err
	}
	app.channel = ch

	app.bundle = app.captureMedia()
	app.factory = rtc.NewPionFactory(servers)

	if app.cfg.Mode == "call" {
		return app.runCall(ctx)
	}
	return app.runShadow(ctx)
}

// resolveICE optionally starts the embedded STUN server and fetches the
// server list once, at connection-creation time.
func (app *Application) resolveICE(ctx context.Context) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if app.cfg.ICE.LocalSTUN {
		app.stun = ice.NewLocalServer(app.cfg.ICE.LocalSTUNPort, app.log)
		if err := app.stun.Start(ctx); err != nil {
			return nil, fmt.Errorf("local STUN: %w", err)
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{app.stun.URL()}})
	}

	provider := ice.NewProvider(app.cfg.ICE.CredentialURL, app.cfg.ICE.FetchTimeout, app.log)
	return append(servers, provider.Resolve(ctx)...), nil
}

// captureMedia grabs camera and microphone. Absence of either is tolerated:
// the session proceeds receive-only for the missing kind.
func (app *Application) captureMedia() *media.Bundle {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		app.log.Warn("vp8 encoder unavailable, joining without media", zap.Error(err))
		return media.NewBundle(nil, nil, app.log)
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		app.log.Warn("opus encoder unavailable, joining without media", zap.Error(err))
		return media.NewBundle(nil, nil, app.log)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(1280)
			c.Height = prop.Int(720)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		app.log.Warn("media capture unavailable, joining without devices", zap.Error(err))
		return media.NewBundle(nil, nil, app.log)
	}

	var mic, camera *media.Track
	if audio := stream.GetAudioTracks(); len(audio) > 0 {
		t := audio[0]
		mic = media.NewTrack(t, func() { t.Close() })
	}
	if video := stream.GetVideoTracks(); len(video) > 0 {
		t := video[0]
		camera = media.NewTrack(t, func() { t.Close() })
	}
	return media.NewBundle(mic, camera, app.log)
}

func (app *Application) runCall(ctx context.Context) error {
	departed := make(chan struct{})

	opts := call.Options{
		OnStatus: func(s call.Status) {
			app.log.Info("call status", zap.String("status", s.String()))
		},
		OnPeerNotice: func(ev string) {
			app.log.Info("peer control notice", zap.String("event", ev))
		},
		OnDeparted:  func() { close(departed) },
		EndedLinger: app.cfg.Call.EndedLinger,
	}
	if app.recorder != nil {
		if err := app.recorder.Start(); err != nil {
			app.log.Warn("recording unavailable", zap.Error(err))
			app.recorder = nil
		} else {
			opts.OnRemoteTrack = func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				go func() {
					if err := app.recorder.HandleTrack(track); err != nil {
						app.log.Debug("track consumer stopped", zap.Error(err))
					}
				}()
			}
		}
	}

	session := call.NewSession(app.cfg.RoomID, app.cfg.Role, app.channel, app.factory, app.bundle, opts, app.log)
	if err := session.Start(); err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	go app.runChannel(ctx, session.TransportLost)

	select {
	case <-ctx.Done():
		session.End()
		<-departed
	case <-departed:
	}

	app.finishRecording(context.Background())
	return nil
}

func (app *Application) runShadow(ctx context.Context) error {
	ended := make(chan struct{})

	coord := shadow.NewCoordinator(app.cfg.RoomID, uuid.NewString(), app.cfg.DisplayName, app.channel, app.factory, app.bundle, shadow.Options{
		OnChat: func(m signaling.ChatMessage) {
			app.log.Info("chat", zap.String("from", m.Name), zap.String("text", m.Text))
		},
		OnPollOpened: func(round int) {
			app.log.Info("poll round open", zap.Int("round", round))
		},
		OnPollResults: func(r signaling.PollResults) {
			app.log.Info("poll results",
				zap.Int("round", r.Round),
				zap.Int("gotIt", r.GotIt),
				zap.Int("confused", r.Confused))
		},
		OnPeerScreenShare: func(peerID string, sharing bool) {
			app.log.Info("peer screen share", zap.String("peer", peerID), zap.Bool("sharing", sharing))
		},
		OnEnded:      func() { close(ended) },
		PollInterval: app.cfg.Call.PollInterval,
	}, app.log)

	if err := coord.Join(); err != nil {
		return fmt.Errorf("join shadow session: %w", err)
	}

	go app.runChannel(ctx, coord.TransportLost)

	select {
	case <-ctx.Done():
		coord.Leave()
		<-ended
	case <-ended:
	}
	return nil
}

func (app *Application) runChannel(ctx context.Context, onLost func()) {
	if err := app.channel.Run(ctx); err != nil && ctx.Err() == nil {
		app.log.Warn("signaling channel closed", zap.Error(err))
	}
	onLost()
}

func (app *Application) finishRecording(ctx context.Context) {
	if app.recorder == nil {
		return
	}
	if err := app.recorder.Close(); err != nil {
		app.log.Warn("finalizing recording failed", zap.Error(err))
		return
	}
	if app.uploader == nil {
		return
	}
	if err := app.uploader.Upload(ctx, app.recorder.FilePath()); err != nil {
		app.log.Warn("recording upload failed", zap.Error(err))
	}
}

func (app *Application) Cleanup() {
	if app.channel != nil {
		app.channel.Close()
	}
	if app.bundle != nil {
		app.bundle.Close()
	}
	if app.stun != nil {
		app.stun.Stop()
	}
}
