package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/config"
	"github.com/blekey-server/blekey-server/internal/gateway"
	"github.com/blekey-server/blekey-server/pkg/blekey/keysim"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/key-simulator.yml", "Configuration file path")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	devices, err := cfg.SimulatedDevices(time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid simulator configuration")
	}
	if len(devices) == 0 {
		log.Fatal().Msg("No simulated keys configured")
	}
	for _, d := range devices {
		log.Info().
			Str("address", d.Address).
			Str("name", d.Name).
			Int("events", len(d.Events)).
			Msg("Simulated key ready")
	}

	if cfg.NATS.URL == "" {
		log.Fatal().Msg("nats.url is required")
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Server.Name+"-simulator"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := gateway.NewRelay(gateway.NewNATSBus(nc), cfg.Radio.SubjectPrefix, keysim.NewTransport(devices...))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := relay.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Radio relay failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-done:
	}

	cancel()
	<-done

	log.Info().Msg("Key simulator stopped")
}
