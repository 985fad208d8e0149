package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"
)

const (
	//SensorDataReceivedTopic carries every measurement that was stored as a
	//new reading row. Deadband-suppressed readings publish nothing.
	SensorDataReceivedTopic string = "SENSOR_DATA_RECEIVED"
	//AlertTriggeredTopic carries alerts raised by the threshold evaluator
	AlertTriggeredTopic string = "ALERT_TRIGGERED"
)

//Measurements is the subset of a reading that downstream consumers care about
type Measurements struct {
	Salinity    float64 `json:"salinity"`
	Temperature float64 `json:"temperature"`
	Ph          float64 `json:"ph"`
}

//SensorDataReceived is published after every accepted ingestion
type SensorDataReceived struct {
	ID        string       `json:"id"`
	DeviceID  uint         `json:"deviceId"`
	FarmID    uint         `json:"farmId"`
	Readings  Measurements `json:"readings"`
	Source    string       `json:"source"`
	Timestamp time.Time    `json:"timestamp"`
}

//NewSensorDataReceived creates a SensorDataReceived event with a fresh envelope id
func NewSensorDataReceived(deviceID, farmID uint, readings Measurements, source string) *SensorDataReceived {
	return &SensorDataReceived{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		FarmID:    farmID,
		Readings:  readings,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

//ContentType returns the content type of the message
func (msg *SensorDataReceived) ContentType() string {
	return "application/json"
}

//TopicName returns the topic that this message should be published on
func (msg *SensorDataReceived) TopicName() string {
	return SensorDataReceivedTopic
}

//AlertTriggered is published when a measurement crosses the season threshold
type AlertTriggered struct {
	ID        string               `json:"id"`
	FarmID    uint                 `json:"farmId"`
	Severity  models.AlertSeverity `json:"severity"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Source    string               `json:"source"`
	Timestamp time.Time            `json:"timestamp"`
}

//NewAlertTriggered creates an AlertTriggered event with a fresh envelope id
func NewAlertTriggered(farmID uint, severity models.AlertSeverity, title, message, source string) *AlertTriggered {
	return &AlertTriggered{
		ID:        uuid.New().String(),
		FarmID:    farmID,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

//ContentType returns the content type of the message
func (msg *AlertTriggered) ContentType() string {
	return "application/json"
}

//TopicName returns the topic that this message should be published on
func (msg *AlertTriggered) TopicName() string {
	return AlertTriggeredTopic
}
