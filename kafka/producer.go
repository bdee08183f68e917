package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"ccmlink/logging"
)

// ErrNotConnected is returned when producing to a cluster that is not connected.
var ErrNotConnected = errors.New("kafka cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one Kafka cluster, with one writer per topic.
type Producer struct {
	config  *Config
	writers map[string]messageWriter
	status  ConnectionStatus
	lastErr error
	enabled bool
	mu      sync.RWMutex

	newWriter func(topic string) messageWriter
	probe     func(ctx context.Context) error

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config) *Producer {
	p := &Producer{
		config:  config,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
		enabled: config.Enabled,
	}
	p.newWriter = p.kafkaWriter
	p.probe = p.dialBroker
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the producer's configuration.
func (p *Producer) Config() *Config {
	return p.config
}

// Enabled reports whether the cluster is connected on startup.
func (p *Producer) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *Producer) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect probes the first broker and marks the producer connected. Writers
// are created lazily per topic.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		err := fmt.Errorf("kafka cluster %s has no brokers", name)
		p.setError(err)
		return err
	}

	logging.DebugConnect("kafka", strings.Join(brokers, ","))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.probe(ctx); err != nil {
		err = fmt.Errorf("failed to connect: %w", err)
		p.setError(err)
		logging.DebugConnectError("kafka", strings.Join(brokers, ","), err)
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugLog("kafka", "CONNECT %s: connected", name)
	return nil
}

func (p *Producer) setError(err error) {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Producer) dialBroker(ctx context.Context) error {
	conn, err := p.createDialer().DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Disconnect closes all writers and disconnects.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	if p.status != StatusDisconnected {
		logging.DebugDisconnect("kafka", strings.Join(p.config.Brokers, ","), "stopped")
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message synchronously and blocks until it is
// acknowledged according to RequiredAcks.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.ProduceBatch(ctx, topic, []kafka.Message{{Key: key, Value: value, Time: time.Now()}})
}

// ProduceBatch sends multiple messages to the topic in a single call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, messages...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(messages))
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' (%d msgs) after %v: %v",
			p.config.Name, topic, len(messages), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' sent %d msgs in %v", p.config.Name, topic, len(messages), d)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(messages))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry sends a message with linear backoff between attempts.
// Returns only after a successful send or when all retries are exhausted.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte, maxRetries int, backoff time.Duration) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := p.newWriter(topic)
	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

// kafkaWriter relies on AllowAutoTopicCreation rather than creating topics
// through the controller.
func (p *Producer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}
}

// auth returns the TLS config and SASL mechanism shared by the dialer and
// the writer transport. Either may be nil.
func (p *Producer) auth() (*tls.Config, sasl.Mechanism) {
	var tlsCfg *tls.Config
	if p.config.UseTLS {
		tlsCfg = p.config.GetTLSConfig()
	}
	if p.config.Username == "" {
		return tlsCfg, nil
	}

	var mech sasl.Mechanism
	switch p.config.SASLMechanism {
	case SASLPlain:
		mech = plain.Mechanism{Username: p.config.Username, Password: p.config.Password}
	case SASLSCRAMSHA256, SASLSCRAMSHA512:
		algo := scram.SHA256
		if p.config.SASLMechanism == SASLSCRAMSHA512 {
			algo = scram.SHA512
		}
		if m, err := scram.Mechanism(algo, p.config.Username, p.config.Password); err == nil {
			mech = m
		}
	}
	return tlsCfg, mech
}

func (p *Producer) createDialer() *kafka.Dialer {
	tlsCfg, mech := p.auth()
	return &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true, TLS: tlsCfg, SASLMechanism: mech}
}

func (p *Producer) createTransport() *kafka.Transport {
	tlsCfg, mech := p.auth()
	return &kafka.Transport{DialTimeout: 10 * time.Second, TLS: tlsCfg, SASL: mech}
}
