package notifications

import (
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus/events"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
)

//RegisterSubscribers attaches the notification consumer to the event bus.
//Actual SMS/push delivery lives in a separate service, this consumer only
//logs what would be sent. Missed events are acceptable, delivery is best
//effort by design.
func RegisterSubscribers(bus *eventbus.Bus, log logging.Logger) {
	bus.Subscribe(events.AlertTriggeredTopic, func(message messaging.TopicMessage) {
		alert, ok := message.(*events.AlertTriggered)
		if !ok {
			log.Errorf("Unexpected message type on topic %s", message.TopicName())
			return
		}

		log.Infof("notification: [%s] %s - %s (farm %d)", alert.Severity, alert.Title, alert.Message, alert.FarmID)
	})
}
