package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsKV is a Claimer backed by a NATS JetStream key/value bucket, shared
// across every process that delivers for the same bot. Create is
// first-writer-wins at the server, which is exactly the claim semantic.
type NatsKV struct {
	conn *nats.Conn
	kv   nats.KeyValue
}

// NatsKVConfig configures the shared claim bucket.
type NatsKVConfig struct {
	URL    string
	Bucket string
	Name   string // connection name shown in server monitoring
	TTL    time.Duration
}

// OpenNatsKV connects to NATS and binds (or creates) the claim bucket.
func OpenNatsKV(cfg NatsKVConfig) (*NatsKV, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cache: connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: jetstream: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: cfg.Bucket,
			TTL:    cfg.TTL,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: bind bucket %s: %w", cfg.Bucket, err)
	}

	return &NatsKV{conn: conn, kv: kv}, nil
}

// AddIfAbsent attempts to create the key. A concurrent or earlier claim
// surfaces as ErrKeyExists and yields false.
func (n *NatsKV) AddIfAbsent(_ context.Context, key, value string) (bool, error) {
	_, err := n.kv.Create(key, []byte(value))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	return false, fmt.Errorf("cache: claim %s: %w", key, err)
}

// Close drains the NATS connection.
func (n *NatsKV) Close() {
	n.conn.Close()
}
