package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus/events"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"
)

func TestThatSubscribersReceivePublishedEvents(t *testing.T) {
	bus := New(logging.NewLogger(), nil)

	var wg sync.WaitGroup
	wg.Add(1)

	var received messaging.TopicMessage
	bus.Subscribe(events.AlertTriggeredTopic, func(message messaging.TopicMessage) {
		received = message
		wg.Done()
	})

	bus.Publish(events.NewAlertTriggered(1, models.SeverityWarning, "title", "message", "test"))
	wg.Wait()

	alert, ok := received.(*events.AlertTriggered)
	if !ok || alert.Title != "title" {
		t.Error("Subscriber did not receive the published alert event")
	}
}

func TestThatSubscribersOnOtherTopicsAreNotInvoked(t *testing.T) {
	bus := New(logging.NewLogger(), nil)

	invoked := make(chan struct{}, 1)
	bus.Subscribe(events.SensorDataReceivedTopic, func(message messaging.TopicMessage) {
		invoked <- struct{}{}
	})

	bus.Publish(events.NewAlertTriggered(1, models.SeverityInfo, "t", "m", "test"))

	select {
	case <-invoked:
		t.Error("Subscriber on a different topic should not have been invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestThatBrokerFailureDoesNotPropagate(t *testing.T) {
	broker := &failingBroker{}
	bus := New(logging.NewLogger(), broker)

	bus.Publish(events.NewSensorDataReceived(1, 1, events.Measurements{}, "test"))

	if broker.calls != 1 {
		t.Error("Expected the broker to have been called once, got", broker.calls)
	}
}

func TestThatSlowBrokerDoesNotBlockPublisher(t *testing.T) {
	bus := New(logging.NewLogger(), &stalledBroker{})
	bus.timeout = 20 * time.Millisecond

	start := time.Now()
	bus.Publish(events.NewSensorDataReceived(1, 1, events.Measurements{}, "test"))

	if time.Since(start) > time.Second {
		t.Error("Publish should have given up on the stalled broker after the timeout")
	}
}

type failingBroker struct {
	calls int
}

func (b *failingBroker) PublishOnTopic(message messaging.TopicMessage) error {
	b.calls++
	return errors.New("broker unavailable")
}

type stalledBroker struct{}

func (b *stalledBroker) PublishOnTopic(message messaging.TopicMessage) error {
	time.Sleep(10 * time.Second)
	return nil
}
