package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/friesr/pi5-ptp/internal/lineprotocol"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Payload formats for MQTTSink
const (
	FormatLine    = "line"
	FormatMsgPack = "msgpack"
)

// ErrNotConnected is returned while the MQTT client has no broker connection
var ErrNotConnected = errors.New("mqtt client not connected")

// MQTTConfig holds configuration for the MQTT sink
type MQTTConfig struct {
	Broker         string // tcp://host:1883, ssl://host:8883
	Topic          string
	ClientID       string // generated when empty
	QoS            byte
	Username       string
	Password       string
	Format         string // "line" or "msgpack"
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectMax   time.Duration
	TLSCAPath      string
	TLSInsecure    bool
	Logger         zerolog.Logger
}

// MQTTSink publishes each batch as one message. With QoS 1 or 2 a batch is
// delivered once the broker acknowledged the publish.
type MQTTSink struct {
	config  MQTTConfig
	client  pahomqtt.Client
	encoder lineprotocol.Encoder
	logger  zerolog.Logger
}

// NewMQTTSink builds the client and connects. The client reconnects on its
// own afterwards; Deliver fails fast while disconnected.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatLine
	case FormatLine, FormatMsgPack:
	default:
		return nil, fmt.Errorf("invalid mqtt payload format %q", cfg.Format)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pi5-ptp-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}

	s := &MQTTSink{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "mqtt-sink").Str("broker", cfg.Broker).Logger(),
	}

	opts, err := s.buildClientOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to build client options: %w", err)
	}
	s.client = pahomqtt.NewClient(opts)

	s.logger.Info().Str("client_id", cfg.ClientID).Msg("Connecting to MQTT broker")
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		// ConnectRetry keeps trying in the background; deliveries are spooled meanwhile
		s.logger.Warn().Dur("timeout", cfg.ConnectTimeout).Msg("MQTT broker not reachable yet")
		return s, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return s, nil
}

func (s *MQTTSink) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(s.config.ReconnectMax)
	opts.SetCleanSession(true)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	if s.config.TLSCAPath != "" || s.config.TLSInsecure {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.config.TLSInsecure,
		}
		if s.config.TLSCAPath != "" {
			caCert, err := os.ReadFile(s.config.TLSCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("failed to parse CA certificate")
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		s.logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		s.logger.Debug().Msg("Attempting to reconnect to MQTT broker")
	})
	return opts, nil
}

// Deliver publishes the batch and waits for the broker acknowledgement or
// ctx, whichever comes first.
func (s *MQTTSink) Deliver(ctx context.Context, batch []models.Record) error {
	if len(batch) == 0 {
		return nil
	}
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := s.encode(batch)
	if err != nil {
		return err
	}

	token := s.client.Publish(s.config.Topic, s.config.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish not acknowledged: %w", ctx.Err())
	}
}

func (s *MQTTSink) encode(batch []models.Record) ([]byte, error) {
	if s.config.Format == FormatMsgPack {
		return EncodeMsgPack(batch)
	}
	return s.encoder.EncodeBatch(batch), nil
}

// Close disconnects from the broker, waiting up to one second for in-flight work
func (s *MQTTSink) Close() error {
	s.client.Disconnect(1000)
	s.logger.Info().Msg("Disconnected from MQTT broker")
	return nil
}
