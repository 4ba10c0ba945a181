package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/dmeet/internal/adapters/admission"
	router "github.com/dkeye/dmeet/internal/adapters/http"
	"github.com/dkeye/dmeet/internal/adapters/media"
	"github.com/dkeye/dmeet/internal/adapters/rtc"
	rpc "github.com/dkeye/dmeet/internal/adapters/signal"
	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/e2ee"
	"github.com/dkeye/dmeet/internal/app/orch"
	"github.com/dkeye/dmeet/internal/app/sfu"
	"github.com/dkeye/dmeet/internal/config"
	"github.com/dkeye/dmeet/internal/core"
	"github.com/dkeye/dmeet/internal/domain"
)

type flags struct {
	room             string
	name             string
	title            string
	e2ee             bool
	viewer           bool
	participantPrice string
	viewerPrice      string
	participantID    string
	viewerID         string
	info             bool
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	fs := pflag.NewFlagSet("dmeet", pflag.ContinueOnError)
	fs.StringVar(&f.room, "room", "", "room id to join; empty creates a new room")
	fs.StringVar(&f.name, "name", "", "display name (default guest-<id>)")
	fs.StringVar(&f.title, "title", "", "title of a new room")
	fs.BoolVar(&f.e2ee, "e2ee", false, "encrypt media end to end")
	fs.BoolVar(&f.viewer, "viewer", false, "join without publishing")
	fs.StringVar(&f.participantPrice, "participant-price", "", "participant price of a new room")
	fs.StringVar(&f.viewerPrice, "viewer-price", "", "viewer price of a new room")
	fs.StringVar(&f.participantID, "participant-id", "", "participant payment id")
	fs.StringVar(&f.viewerID, "viewer-id", "", "viewer payment id")
	fs.BoolVar(&f.info, "info", false, "print room info and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.name == "" {
		f.name = "guest-" + shortuuid.New()[:8]
	}
	return &f, nil
}

func (f *flags) params() domain.RoomParams {
	return domain.RoomParams{
		SID:              f.room,
		Name:             f.name,
		Title:            f.title,
		E2EE:             f.e2ee,
		NoPublish:        f.viewer,
		ParticipantPrice: f.participantPrice,
		ViewerPrice:      f.viewerPrice,
		ParticipantID:    f.participantID,
		ViewerID:         f.viewerID,
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adm := admission.New(admission.Options{
		BaseURL:        cfg.APIURL,
		Timeout:        cfg.HTTPTimeout,
		VerifyAttempts: cfg.VerifyAttempts,
		VerifyInterval: cfg.VerifyInterval,
	})
	if f.info {
		if err := printInfo(ctx, adm, f.room); err != nil {
			log.Fatal().Err(err).Msg("room info")
		}
		return
	}

	code := run(ctx, cfg, f, adm)
	cancel()
	os.Exit(code)
}

func printInfo(ctx context.Context, adm *admission.Client, sid string) error {
	if sid == "" {
		return errors.New("--info needs --room")
	}
	info, err := adm.Info(ctx, sid)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func run(ctx context.Context, cfg *config.Config, f *flags, adm *admission.Client) int {
	source := media.NewSource()
	sigOpts := rpc.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod, WriteWait: cfg.WriteWait}

	sess := orch.New(orch.Deps{
		Admission: adm,
		Dial: func(ctx context.Context, url string) (core.Signaling, error) {
			ch, err := rpc.Dial(ctx, url, sigOpts)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		Transport: rtc.NewFactory(rtc.Options{
			ICEServers: cfg.ICEServers,
			Codecs:     source.Codecs,
			Script:     cfg.E2EEStrategy != string(e2ee.StrategyStreams),
		}),
		Media:   source,
		Policy:  app.SimplePolicy{},
		Relays:  sfu.NewRelayManager(),
		Decode:  rpc.Decode,
		Methods: rpc.RosterMethods,
	}, orch.Options{
		Params: f.params(),
		Constraints: domain.MediaConstraints{
			Audio:       cfg.Media.Audio,
			Video:       cfg.Media.Video,
			AudioDevice: cfg.Media.AudioDevice,
			VideoDevice: cfg.Media.VideoDevice,
			Width:       cfg.Media.Width,
			Height:      cfg.Media.Height,
			FrameRate:   cfg.Media.FrameRate,
		},
		AudioEnabled: cfg.Media.AudioEnabled,
		VideoEnabled: cfg.Media.VideoEnabled,
		MessageTTL:   cfg.MessageTTL,
		EndTimeout:   cfg.EndTimeout,
		E2EEStrategy: e2ee.Strategy(cfg.E2EEStrategy),
		AppURL:       cfg.AppURL,
	})

	var srv *http.Server
	if cfg.Control.Port > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Control.Port)
		srv = &http.Server{
			Addr:    addr,
			Handler: router.SetupRouter(ctx, cfg, sess),
		}
		go func() {
			log.Info().Str("addr", addr).Msg("control API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("control API error")
			}
		}()
	}
	defer func() {
		if srv == nil {
			return
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control API forced to shutdown")
		}
	}()

	if err := sess.Start(ctx); err != nil {
		log.Error().Err(err).Msg("session failed to start")
		return 1
	}
	info := sess.Info()
	log.Info().Str("sid", info.SID).Str("invite", info.Invite).Bool("e2ee", info.E2EE).Msg("in call, Ctrl-C to hang up")

	select {
	case <-ctx.Done():
		log.Info().Msg("hanging up")
		sess.Hangup()
	case <-sess.Done():
	}
	if err := sess.Wait(); err != nil {
		log.Error().Err(err).Msg("session ended with error")
		return 1
	}
	log.Info().Msg("session closed")
	return 0
}
