package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/api"
	"github.com/blekey-server/blekey-server/internal/config"
	"github.com/blekey-server/blekey-server/internal/gateway"
	"github.com/blekey-server/blekey-server/internal/integration"
	"github.com/blekey-server/blekey-server/internal/server"
	"github.com/blekey-server/blekey-server/pkg/blekey/keysim"
	"github.com/blekey-server/blekey-server/pkg/crypto"
)

func main() {
	var (
		configFile   string
		validateOnly bool
		showConfig   bool
		hashPassword string
	)
	flag.StringVar(&configFile, "config", "config/keyreader.yml", "Configuration file path")
	flag.BoolVar(&validateOnly, "validate", false, "Validate the configuration and exit")
	flag.BoolVar(&showConfig, "show-config", false, "Print the configuration summary and exit")
	flag.StringVar(&hashPassword, "hash-password", "", "Print a bcrypt hash for an operator password and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if validateOnly {
		fmt.Println("Configuration is valid")
		return
	}
	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	bridgeCfg := server.BridgeConfig{
		Options: cfg.ProtocolOptions(),
	}
	if cfg.Credentials.SysCode != "" {
		creds, err := cfg.DefaultCredentials()
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid credentials")
		}
		bridgeCfg.Credentials = &creds
	}

	forwarder := integration.NewForwarder(cfg.Integration)
	defer forwarder.Close()
	if forwarder.Enabled() {
		bridgeCfg.Sink = forwarder
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				log.Error().
					Err(err).
					Str("subject", subject).
					Msg("NATS error")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Msg("Connected to NATS")

		bus := gateway.NewNATSBus(nc)
		bridgeCfg.Transport = gateway.NewNATSTransport(bus, cfg.Radio.SubjectPrefix, cfg.Radio.RequestTimeout)

		natsBridge := server.NewNATSBridge(bus, cfg.Radio.BridgeSubject, bridgeCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := natsBridge.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS bridge stopped")
			}
		}()
	} else {
		devices, err := cfg.SimulatedDevices(time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid simulator configuration")
		}
		if len(devices) == 0 {
			log.Fatal().Msg("NATS not configured and no simulated keys, nothing to talk to")
		}
		bridgeCfg.Transport = keysim.NewTransport(devices...)
		log.Warn().Int("keys", len(devices)).Msg("NATS not configured, running against simulated keys")
	}

	apiServer := api.NewRESTServer(cfg, bridgeCfg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	log.Info().
		Str("name", cfg.Server.Name).
		Str("version", cfg.Server.Version).
		Strs("prefixes", cfg.Protocol.NamePrefixes).
		Dur("command_timeout", cfg.Protocol.CommandTimeout).
		Int("max_retries", cfg.Protocol.MaxRetries).
		Dur("scan_timeout", cfg.Protocol.ScanTimeout).
		Msg("Key reader started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	wg.Wait()

	log.Info().Msg("Key reader stopped")
}
