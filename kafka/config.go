// Package kafka produces panel snapshot, poller status and alarm transition
// events to Kafka topics.
package kafka

import (
	"crypto/tls"
	"time"

	"ccmlink/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	PublishChanges   bool
	Selector         string
	AutoCreateTopics bool
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

// FromConfig converts the persisted cluster configuration. Unset producer
// settings fall back to DefaultConfig.
func FromConfig(kc *config.KafkaConfig) Config {
	c := DefaultConfig(kc.Name)
	c.Enabled = kc.Enabled
	if len(kc.Brokers) > 0 {
		c.Brokers = append([]string(nil), kc.Brokers...)
	}
	c.UseTLS = kc.UseTLS
	c.TLSSkipVerify = kc.TLSSkipVerify
	c.SASLMechanism = SASLMechanism(kc.SASLMechanism)
	c.Username = kc.Username
	c.Password = kc.Password
	if kc.RequiredAcks != 0 {
		c.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries > 0 {
		c.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff > 0 {
		c.RetryBackoff = kc.RetryBackoff
	}
	c.PublishChanges = kc.PublishChanges
	c.Selector = kc.Selector
	if kc.AutoCreateTopics != nil {
		c.AutoCreateTopics = *kc.AutoCreateTopics
	}
	return c
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
