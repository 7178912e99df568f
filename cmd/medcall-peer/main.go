// Command medcall-peer is a headless call endpoint. It signs in to the
// broker as one user, sends synthetic audio and video, and either places a
// call, joins one, or waits for incoming calls.
//
//	medcall-peer --user doctor --call patient --appointment apt-42
//	medcall-peer --user patient --auto-answer
//
// Environment variables (see config.LoadPeer) provide the defaults; flags
// override them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akinalp/medcall/call"
	"github.com/akinalp/medcall/config"
	"github.com/akinalp/medcall/media"
	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/pkg/logger"
	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/services"
	"github.com/akinalp/medcall/signaling"
)

// mintedTokenTTL is the lifetime of a token minted from SIGNAL_TOKEN_SECRET.
const mintedTokenTTL = 12 * time.Hour

type options struct {
	callUser    string
	joinUser    string
	appointment string
	autoAnswer  bool
	noVideo     bool
	denyMedia   bool
	loopback    bool
	hangupAfter time.Duration
}

func main() {
	cfg, err := config.LoadPeer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "medcall-peer: %v\n", err)
		os.Exit(1)
	}

	var opts options
	fs := pflag.NewFlagSet("medcall-peer", pflag.ExitOnError)
	fs.StringVarP(&cfg.UserID, "user", "u", cfg.UserID, "local user id")
	fs.StringVar(&cfg.SignalURL, "signal", cfg.SignalURL, "broker WebSocket URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "identify token")
	fs.StringVar(&cfg.ICEEndpoint, "ice-endpoint", cfg.ICEEndpoint, "ICE server endpoint, e.g. http://localhost:9090/api/ice-servers")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "reconnection grace period")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	fs.StringVar(&opts.callUser, "call", "", "place a call to this user")
	fs.StringVar(&opts.joinUser, "join", "", "join a call placed by this user")
	fs.StringVarP(&opts.appointment, "appointment", "a", "", "appointment id for --call or --join")
	fs.BoolVar(&opts.autoAnswer, "auto-answer", false, "accept incoming calls instead of declining them")
	fs.BoolVar(&opts.noVideo, "no-video", false, "send audio only")
	fs.BoolVar(&opts.denyMedia, "deny-media", false, "refuse media access, as a user who blocks the camera")
	fs.BoolVar(&opts.loopback, "loopback", false, "gather loopback candidates for same-host calls")
	fs.DurationVar(&opts.hangupAfter, "hangup-after", 0, "hang up this long after connecting (0 keeps the call)")
	_ = fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "medcall-peer: %v\n", err)
		os.Exit(2)
	}
	if opts.callUser != "" && opts.joinUser != "" {
		fmt.Fprintln(os.Stderr, "medcall-peer: --call and --join are mutually exclusive")
		os.Exit(2)
	}

	log := logger.Must(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	}).With(zap.String("user_id", cfg.UserID))
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("peer stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.PeerConfig, opts options, log *zap.Logger) error {
	token := cfg.Token
	if token == "" && cfg.TokenSecret != "" {
		var err error
		token, err = services.NewIdentityTokenService(cfg.TokenSecret, nil).Mint(cfg.UserID, mintedTokenTTL)
		if err != nil {
			return err
		}
	}

	ch, err := signaling.Dial(ctx, cfg.SignalURL, log, signaling.WithIdentifyToken(token))
	if err != nil {
		return err
	}
	defer ch.Close()

	api, err := rtc.NewAPI(rtc.APIOptions{IncludeLoopback: opts.loopback})
	if err != nil {
		return err
	}

	var source media.Source = media.Denied
	if !opts.denyMedia {
		synth := media.NewSyntheticSource(log)
		synth.Video = !opts.noVideo
		synth.PumpSilence = true
		source = synth
	}

	var ice call.ICEServerSource
	if cfg.ICEEndpoint != "" {
		ice = rtc.NewICEServerProvider(cfg.ICEEndpoint, cfg.UserID, cfg.ICETimeout, log).WithToken(token)
	}

	agent, err := call.NewAgent(call.Config{
		LocalUserID:         cfg.UserID,
		Channel:             ch,
		PeerFactory:         rtc.PionFactory(api),
		Media:               source,
		ICEServers:          ice,
		GracePeriod:         cfg.GracePeriod,
		NegotiationDebounce: cfg.NegotiationDebounce,
		Logger:              log,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	agent.OnIncoming(func(s *call.Session) {
		log.Info("incoming call",
			zap.String("from", s.RemoteUserID()),
			zap.String("appointment_id", s.AppointmentID()))
		if !opts.autoAnswer {
			_ = s.Reject()
			return
		}
		watch(gctx, s, opts.hangupAfter, log)
		// Accept blocks until media is acquired.
		go func() {
			if err := s.Accept(gctx); err != nil {
				log.Warn("accept failed", zap.Error(err))
			}
		}()
	})

	g.Go(func() error {
		select {
		case <-ch.Done():
			return fmt.Errorf("signaling: %w", pkg.ErrNotConnected)
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		var (
			s   *call.Session
			err error
		)
		switch {
		case opts.callUser != "":
			s, err = agent.Call(gctx, opts.callUser, opts.appointment)
		case opts.joinUser != "":
			s, err = agent.Join(gctx, opts.joinUser, opts.appointment)
		default:
			log.Info("waiting for calls", zap.Bool("auto_answer", opts.autoAnswer))
			<-gctx.Done()
			return nil
		}
		if err != nil {
			return err
		}

		watch(gctx, s, opts.hangupAfter, log)
		select {
		case <-s.Done():
			// A placed or joined call is the whole job.
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	return g.Wait()
}

// watch logs a session's progress, drains its remote tracks, and hangs up
// after hangupAfter of connected time when set.
func watch(ctx context.Context, s *call.Session, hangupAfter time.Duration, log *zap.Logger) {
	log = log.With(zap.String("appointment_id", s.AppointmentID()), zap.String("remote", s.RemoteUserID()))

	s.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("remote track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		go drain(track)
	})

	s.OnStatusChange(func(st call.Status) {
		log.Info("call status", zap.String("status", string(st)))
		if st == call.StatusConnected && hangupAfter > 0 {
			time.AfterFunc(hangupAfter, func() { _ = s.Hangup() })
		}
	})

	go func() {
		select {
		case <-s.Done():
		case <-ctx.Done():
			_ = s.Hangup()
			<-s.Done()
		}
		info := s.Info()
		log.Info("call finished",
			zap.String("end_reason", string(info.EndReason)),
			zap.Duration("duration", info.Duration()))
	}()
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
