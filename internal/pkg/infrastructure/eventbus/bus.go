package eventbus

import (
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
)

//Broker is the subset of messaging.Context that the bus needs to forward
//events to the message broker. Declared here so that tests can inject a mock.
type Broker interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//MessageHandler is a callback invoked for every event published on a subscribed topic
type MessageHandler func(message messaging.TopicMessage)

const defaultPublishTimeout = 2 * time.Second

//Bus fans events out to in-process subscribers and forwards them to the
//broker. Delivery is best effort with at-most-once semantics: a failed or
//slow publish is logged and never fails the operation that raised the event.
type Bus struct {
	log     logging.Logger
	broker  Broker
	timeout time.Duration

	mtx         sync.RWMutex
	subscribers map[string][]MessageHandler
}

//New creates a Bus. The broker may be nil, in which case events are only
//delivered to in-process subscribers.
func New(log logging.Logger, broker Broker) *Bus {
	return &Bus{
		log:         log,
		broker:      broker,
		timeout:     defaultPublishTimeout,
		subscribers: map[string][]MessageHandler{},
	}
}

//Subscribe registers a handler for all events published on the given topic
func (b *Bus) Subscribe(topic string, handler MessageHandler) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

//Publish delivers the message to the current subscribers of its topic and
//forwards it to the broker. Handlers run on their own goroutines so that a
//slow subscriber can not block the publisher.
func (b *Bus) Publish(message messaging.TopicMessage) {
	b.mtx.RLock()
	handlers := b.subscribers[message.TopicName()]
	b.mtx.RUnlock()

	for _, handler := range handlers {
		go handler(message)
	}

	if b.broker == nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- b.broker.PublishOnTopic(message)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.log.Errorf("Failed to publish %s to broker: %s", message.TopicName(), err.Error())
		} else {
			b.log.Debugf("Published %s to broker", message.TopicName())
		}
	case <-time.After(b.timeout):
		b.log.Warnf("Timed out publishing %s to broker", message.TopicName())
	}
}
