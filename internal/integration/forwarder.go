package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/config"
)

// Record is one read result handed to the integrations
type Record struct {
	Type       string      `json:"type"`
	Address    string      `json:"address"`
	DeviceName string      `json:"deviceName,omitempty"`
	Session    string      `json:"session,omitempty"`
	Data       interface{} `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Forwarder sends read results to the configured HTTP endpoint and MQTT
// broker
type Forwarder struct {
	cfg config.IntegrationConfig

	httpClient *http.Client

	mu         sync.Mutex
	mqttClient mqtt.Client
}

// NewForwarder creates a forwarder; disabled integrations are skipped
func NewForwarder(cfg config.IntegrationConfig) *Forwarder {
	timeout := cfg.HTTP.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Enabled reports whether any integration is configured
func (f *Forwarder) Enabled() bool {
	return f.cfg.HTTP.Enabled || f.cfg.MQTT.Enabled
}

// Forward delivers rec to every enabled integration
func (f *Forwarder) Forward(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var errs []error
	if f.cfg.HTTP.Enabled {
		if err := f.forwardToHTTP(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if f.cfg.MQTT.Enabled {
		if err := f.forwardToMQTT(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forwardToHTTP posts rec as JSON
func (f *Forwarder) forwardToHTTP(ctx context.Context, rec Record) error {
	cfg := f.cfg.HTTP

	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal forward data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("forward to %s: status %d", cfg.Endpoint, resp.StatusCode)
	}

	log.Debug().
		Str("type", rec.Type).
		Str("address", rec.Address).
		Str("endpoint", cfg.Endpoint).
		Msg("Forwarded to HTTP")
	return nil
}

// forwardToMQTT publishes rec to the topic built from the pattern
func (f *Forwarder) forwardToMQTT(rec Record) error {
	cfg := f.cfg.MQTT

	client, err := f.getMQTTClient()
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mqtt data: %w", err)
	}

	topic := Topic(cfg.TopicPattern, rec)
	token := client.Publish(topic, cfg.QoS, false, jsonData)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	log.Debug().
		Str("type", rec.Type).
		Str("topic", topic).
		Msg("Forwarded to MQTT")
	return nil
}

// Topic expands {address}, {type} and {session} in pattern. Colons in
// addresses are not valid in every broker's topic rules, so they are
// dropped.
func Topic(pattern string, rec Record) string {
	r := strings.NewReplacer(
		"{address}", strings.ReplaceAll(rec.Address, ":", ""),
		"{type}", rec.Type,
		"{session}", rec.Session,
	)
	return r.Replace(pattern)
}

// getMQTTClient returns the connected client, dialing on first use
func (f *Forwarder) getMQTTClient() (mqtt.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		return f.mqttClient, nil
	}

	cfg := f.cfg.MQTT
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.BrokerURL, err)
	}

	f.mqttClient = client
	return client, nil
}

// Close disconnects the MQTT client, if any
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		f.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
	f.mqttClient = nil
}
