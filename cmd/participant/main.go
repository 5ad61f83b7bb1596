package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/presence/internal/adapters/p2pbus"
	"github.com/dkeye/presence/internal/adapters/rtc"
	"github.com/dkeye/presence/internal/adapters/wsbus"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/mesh"
	"github.com/dkeye/presence/internal/observability"
	"github.com/dkeye/presence/internal/protocol"
	"github.com/dkeye/presence/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	flags := pflag.NewFlagSet("participant", pflag.ExitOnError)
	room := flags.String("room", "lobby", "room to join")
	id := flags.String("id", "", "participant id (random when empty)")
	name := flags.String("name", "", "display name")
	character := flags.String("character", "", "character id")
	radius := flags.Float64("radius", 150, "radius of the walk circle")
	speed := flags.Float64("speed", 0.5, "walk speed in radians per second")
	withMedia := flags.Bool("media", false, "capture synthetic media and link with the room")
	video := flags.Bool("video", false, "add an idle video track to --media")
	autoAccept := flags.Bool("auto-accept", true, "accept incoming calls")
	metricsAddr := flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.String("transport", "relay", "relay or p2p")
	flags.String("relay-url", "", "relay websocket url")
	flags.String("codec", "", "json or cbor")
	flags.Int("p2p-port", 0, "libp2p listen port")
	flags.Float64("threshold", 0, "proximity mute distance")
	flags.Int("rate", 0, "position broadcasts per second")
	flags.String("log-level", "warn", "log level")
	_ = flags.Parse(os.Args[1:])

	cfg, v, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg)
	config.Watch(v, config.ApplyLogLevel)

	self := domain.ParticipantID(*id)
	if self == "" {
		self = domain.NewParticipantID()
	}
	meta := domain.Meta{CharacterID: *character}
	if err := meta.SetDisplayName(*name); err != nil {
		log.Fatal().Err(err).Msg("bad display name")
	}

	transport, err := transportFor(cfg.Realtime)
	if err != nil {
		log.Fatal().Err(err).Msg("transport")
	}
	codec, err := protocol.CodecByName(cfg.Realtime.Codec)
	if err != nil {
		log.Fatal().Err(err).Msg("codec")
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "presence_participant")
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, observability.MetricsHandler(reg)); err != nil {
				log.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics server")
			}
		}()
	}

	playback := rtc.NewPlayback(nil)
	client := session.NewClient(session.Deps{
		Transport: transport,
		Codec:     codec,
		Factory:   rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.Realtime.ICEServers...)),
		Media:     rtc.NewSampleSource(*video),
		Playback:  playback,
		Metrics:   metrics,
		Settings:  session.SettingsFromConfig(cfg.Realtime),
	})

	s, err := client.Initialize(ctx, domain.RoomID(*room), self, meta)
	if err != nil {
		log.Fatal().Err(err).Msg("join room")
	}
	defer client.Teardown(context.Background())

	pterm.Info.Println(fmt.Sprintf("joined %s as %s over %s", *room, self, cfg.Realtime.Transport))

	s.OnChat(func(m domain.ChatMessage) {
		if m.SenderID == self {
			return
		}
		pterm.Info.Println(fmt.Sprintf("[%s] %s", senderLabel(m), m.Text))
	})
	s.OnIncomingCall(func(call mesh.IncomingCall) {
		pterm.Info.Println(fmt.Sprintf("incoming call from %s %s", call.From, call.MeetingID))
		if !*autoAccept {
			_ = call.Reject(ctx)
			return
		}
		if err := call.Accept(ctx); err != nil {
			pterm.Error.Println(fmt.Sprintf("accept failed: %v", err))
		}
	})
	s.OnCallResponse(func(r mesh.CallResponse) {
		pterm.Info.Println(fmt.Sprintf("%s accepted=%v", r.From, r.Accepted))
	})

	if *withMedia {
		if err := s.StartMedia(ctx); err != nil {
			pterm.Error.Println(fmt.Sprintf("media: %v", err))
		}
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	walk := time.NewTicker(50 * time.Millisecond)
	defer walk.Stop()
	roster := time.NewTicker(3 * time.Second)
	defer roster.Stop()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			pterm.Warning.Println("session ended")
			return
		case now := <-walk.C:
			x, y := circlePoint(*radius, *speed, now.Sub(started))
			s.ReportLocalPosition(x, y)
		case <-roster.C:
			renderRoster(s, playback)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := runCommand(ctx, s, parseCommand(line)); err != nil {
				pterm.Error.Println(err.Error())
			}
		}
	}
}

func transportFor(c config.RealtimeConfig) (core.Transport, error) {
	switch c.Transport {
	case "", "relay":
		return wsbus.New(c.RelayURL), nil
	case "p2p":
		return p2pbus.New(c.P2PPort, c.MDNSTag), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func senderLabel(m domain.ChatMessage) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return string(m.SenderID)
}

func renderRoster(s *session.Session, playback *rtc.Playback) {
	rows := rosterRows(s, func(id domain.ParticipantID) uint64 { return playback.Stats(id).Played })
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		log.Warn().Err(err).Str("module", "participant").Msg("render roster")
	}
}
