// Package chat implements the message delivery pipeline, the receipt
// aggregator and the typing signal broker on top of a storage collaborator,
// the presence registry and the fanout bus.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// DeliveryMode selects what "delivered" means.
type DeliveryMode string

const (
	// DeliveryOnline records a delivered receipt for every participant that
	// is online when the message is sent. Explicit client acks are still
	// accepted and deduplicated against it.
	DeliveryOnline DeliveryMode = "online"
	// DeliveryAck records delivered receipts only on explicit client ack.
	DeliveryAck DeliveryMode = "ack"
)

// ParseDeliveryMode accepts "online" and "ack". An empty string means online.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(s) {
	case "", DeliveryOnline:
		return DeliveryOnline, nil
	case DeliveryAck:
		return DeliveryAck, nil
	default:
		return "", fmt.Errorf("unknown delivery mode %q", s)
	}
}

const (
	defaultMaxContentLength = 4000
	defaultReceiptTimeout   = 10 * time.Second
	receiptConcurrency      = 8
)

// OnlineChecker is the presence query the pipeline needs.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	Mode             DeliveryMode
	MaxContentLength int
	ReceiptTimeout   time.Duration
}

// Service is safe for concurrent use by every connection on a node.
type Service struct {
	store    storage.Store
	presence OnlineChecker
	bus      fanout.Publisher

	mode             DeliveryMode
	maxContentLength int
	receiptTimeout   time.Duration

	wg sync.WaitGroup
}

// NewService assembles the pipeline from its collaborators.
func NewService(store storage.Store, presence OnlineChecker, bus fanout.Publisher, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = DeliveryOnline
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = defaultMaxContentLength
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptTimeout
	}
	return &Service{
		store:            store,
		presence:         presence,
		bus:              bus,
		mode:             opts.Mode,
		maxContentLength: opts.MaxContentLength,
		receiptTimeout:   opts.ReceiptTimeout,
	}
}

// Mode reports the configured delivery mode.
func (s *Service) Mode() DeliveryMode {
	return s.mode
}

// Wait blocks until background receipt work started by Send has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
