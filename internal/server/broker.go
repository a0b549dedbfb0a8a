package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kiai/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of the Postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out ledger and coach notifications to SSE subscribers.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(notifier Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    notifier,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the event and coach channels until ctx is cancelled.
// It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) error {
	channels := storage.NotifyChannels
	for _, ch := range channels {
		if err := b.notifier.Listen(ctx, ch); err != nil {
			return err
		}
	}
	b.logger.Info("broker: listening for notifications", "channels", channels)

	for {
		channel, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast drops the event for subscribers whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
