package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

var _ interfaces.StatusPublisher = (*Hub)(nil)

// SubscriberRegistry tracks the live feed subscribers.
type SubscriberRegistry interface {
	Register(sub interfaces.Subscriber) error
	Unregister(sub interfaces.Subscriber)
	Get(id string) (interfaces.Subscriber, bool)
	Subscribers() []interfaces.Subscriber
}

// Hub fans status events out to feed subscribers. A single goroutine owns
// delivery so events reach every subscriber in publish order.
type Hub struct {
	eventChannel      chan types.Event
	registerChannel   chan interfaces.Subscriber
	unregisterChannel chan string
	shutdownChannel   chan struct{}
	done              chan struct{}

	registry SubscriberRegistry
	logger   *zap.Logger

	// last is replayed to new subscribers so they start with the current
	// banner state. Only the run goroutine touches it.
	last *types.Event

	running bool
	mu      sync.RWMutex
}

func NewHub(registry SubscriberRegistry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		eventChannel:      make(chan types.Event, 256),
		registerChannel:   make(chan interfaces.Subscriber, 64),
		unregisterChannel: make(chan string, 64),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
		registry:          registry,
		logger:            logger.Named("hub"),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("status hub started")
	go h.run(ctx)
	return nil
}

// Stop ends delivery and closes every subscriber.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	<-h.done
	for _, sub := range h.registry.Subscribers() {
		_ = sub.Close()
		h.registry.Unregister(sub)
	}
	h.logger.Info("status hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues an event for delivery. It never blocks.
func (h *Hub) Publish(event types.Event) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.eventChannel <- event:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Subscribe queues a subscriber for registration. It receives the latest
// event first.
func (h *Hub) Subscribe(sub interfaces.Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.registerChannel <- sub:
		return nil
	default:
		return ErrRegisterChannelFull
	}
}

func (h *Hub) Unsubscribe(id string) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.unregisterChannel <- id:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case event := <-h.eventChannel:
			h.handleEvent(event)
		case sub := <-h.registerChannel:
			h.handleRegistration(sub)
		case id := <-h.unregisterChannel:
			h.handleDeregistration(id)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			h.logger.Info("status hub context cancelled")
			return
		}
	}
}

func (h *Hub) handleEvent(event types.Event) {
	h.last = &event
	for _, sub := range h.registry.Subscribers() {
		h.deliver(sub, event)
	}
}

func (h *Hub) handleRegistration(sub interfaces.Subscriber) {
	if err := h.registry.Register(sub); err != nil {
		h.logger.Warn("subscriber registration failed", zap.String("subscriber", sub.ID()), zap.Error(err))
		_ = sub.Close()
		return
	}
	h.logger.Debug("subscriber registered", zap.String("subscriber", sub.ID()))
	if h.last != nil {
		h.deliver(sub, *h.last)
	}
}

func (h *Hub) handleDeregistration(id string) {
	if sub, ok := h.registry.Get(id); ok {
		h.registry.Unregister(sub)
		h.logger.Debug("subscriber deregistered", zap.String("subscriber", id))
	}
}

// deliver drops a subscriber that cannot keep up rather than stall the feed.
func (h *Hub) deliver(sub interfaces.Subscriber, event types.Event) {
	if sub.IsClosed() {
		h.registry.Unregister(sub)
		return
	}
	if err := sub.WriteJSON(event); err != nil {
		h.logger.Warn("dropping slow subscriber", zap.String("subscriber", sub.ID()), zap.Error(err))
		_ = sub.Close()
		h.registry.Unregister(sub)
	}
}
