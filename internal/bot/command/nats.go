package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
)

// NATSBus implements Bus over NATS core publish. The payload is the raw
// command JSON, not an event envelope, because the worker side parses the
// command directly.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS for worker command delivery.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID + "-cmd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS command connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS command connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSBus{conn: conn, logger: log}, nil
}

// Send publishes the command to the worker's subject and flushes, so a
// broker outage surfaces to the caller instead of buffering silently.
func (b *NATSBus) Send(ctx context.Context, sessionUID string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	subject := Subject(sessionUID)
	if err := b.conn.Publish(subject, data); err != nil {
		return apperrors.Unavailable("command bus", err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return apperrors.Unavailable("command bus", err)
	}

	b.logger.Debug("Sent worker command",
		zap.String("subject", subject),
		zap.String("action", cmd.Action),
	)
	return nil
}

// Close drains the connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}
