package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/buildmaster/internal/errors"
	"git.home.luguber.info/inful/buildmaster/internal/logfields"
)

// NATSBus implements Bus on a core NATS connection. Each subscription uses a
// channel subscription drained by a dedicated worker goroutine, which gives
// the per-consumer FIFO guarantee the canceller depends on: NATS delivers in
// publish order per subject space, and the worker processes one message at a
// time.
type NATSBus struct {
	conn *nats.Conn
}

// ConnectNATS establishes a NATS connection for the given client name.
func ConnectNATS(url, name string) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", logfields.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.BusConnectError(url, err)
	}
	slog.Info("Connected to NATS", "url", url, "client_name", name)
	return &NATSBus{conn: conn}, nil
}

// Publish marshals payload as JSON and publishes it.
func (b *NATSBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.BusPublishError(subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return errors.BusPublishError(subject, err)
	}
	return nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	stop chan struct{}
	once sync.Once
}

// Subscribe registers a handler fed by a single worker goroutine.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	ch := make(chan *nats.Msg, 1024)
	natsSub, err := b.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, errors.BusConnectError(subject, err)
	}
	s := &natsSubscription{sub: natsSub, stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case msg := <-ch:
				if msg == nil {
					return
				}
				handler(context.Background(), Message{Subject: msg.Subject, Data: msg.Data})
			}
		}
	}()
	return s, nil
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.once.Do(func() { close(s.stop) })
	return err
}

// Close drains the connection so queued outgoing messages are sent.
func (b *NATSBus) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
