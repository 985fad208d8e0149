package ingestion

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/errs"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/config"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus/events"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"
)

const source = "iot-farm-monitor"

//IncomingReading is one measurement reported by a device or gateway
type IncomingReading struct {
	DeviceEUI      string  `json:"device_eui" validate:"required"`
	Salinity       float64 `json:"salinity" validate:"gte=0,lte=100"`
	Temperature    float64 `json:"temperature" validate:"gte=-40,lte=80"`
	Ph             float64 `json:"ph" validate:"gte=0,lte=14"`
	WaterLevel     float64 `json:"water_level" validate:"gte=0"`
	BatteryVoltage float64 `json:"battery_voltage" validate:"gte=0"`
}

//Result reports what a single ingestion did
type Result struct {
	//Stored is true when a new reading row was persisted, false when the
	//deadband filter only refreshed the liveness timestamp of the last row
	Stored bool
	//Alert is non-nil when the measurement crossed the season threshold
	Alert *models.Alert
}

//Service is the sensor ingestion pipeline
type Service interface {
	IngestReading(ctx context.Context, reading *IncomingReading) (*Result, error)
}

//Middleware is a chainable decorator for Service
type Middleware func(Service) Service

//EventPublisher publishes events for downstream consumers
type EventPublisher interface {
	Publish(message messaging.TopicMessage)
}

//Policy holds the tunables of the deadband filter and the threshold evaluator
type Policy struct {
	TemperatureDeadband float64
	SalinityDeadband    float64
	PhDeadband          float64
	HeartbeatInterval   time.Duration

	RiceSalinityMax   float64
	ShrimpSalinityMax float64
	//DefaultCultivation applies when a farm has no active season. This is an
	//explicit product decision, not a fallthrough.
	DefaultCultivation models.CultivationType
}

//DefaultPolicy returns the policy the service ships with
func DefaultPolicy() Policy {
	return Policy{
		TemperatureDeadband: 0.5,
		SalinityDeadband:    0.2,
		PhDeadband:          0.2,
		HeartbeatInterval:   10 * time.Minute,
		RiceSalinityMax:     2,
		ShrimpSalinityMax:   12,
		DefaultCultivation:  models.CultivationShrimp,
	}
}

//PolicyFromConfig builds a Policy from the service configuration
func PolicyFromConfig(cfg *config.Configuration) Policy {
	policy := Policy{
		TemperatureDeadband: cfg.TemperatureDeadband,
		SalinityDeadband:    cfg.SalinityDeadband,
		PhDeadband:          cfg.PhDeadband,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		RiceSalinityMax:     cfg.RiceSalinityMax,
		ShrimpSalinityMax:   cfg.ShrimpSalinityMax,
		DefaultCultivation:  models.CultivationType(cfg.DefaultCultivation),
	}

	if !policy.DefaultCultivation.IsValid() {
		policy.DefaultCultivation = models.CultivationShrimp
	}

	return policy
}

//shouldStore implements the deadband decision: store when any measurement
//moved more than its deadband since the latest stored row, or when the
//latest row is older than the heartbeat interval.
func (p Policy) shouldStore(incoming *IncomingReading, latest *models.Reading, now time.Time) bool {
	if math.Abs(incoming.Temperature-latest.Temperature) > p.TemperatureDeadband {
		return true
	}
	if math.Abs(incoming.Salinity-latest.Salinity) > p.SalinityDeadband {
		return true
	}
	if math.Abs(incoming.Ph-latest.Ph) > p.PhDeadband {
		return true
	}

	return now.Sub(latest.Timestamp) > p.HeartbeatInterval
}

type thresholdVerdict struct {
	severity models.AlertSeverity
	title    string
	message  string
}

//evaluateSalinity classifies a salinity measurement against the threshold of
//the active cultivation. A nil verdict means no alert.
func (p Policy) evaluateSalinity(season *models.Season, salinity float64) *thresholdVerdict {
	cultivation := p.DefaultCultivation
	if season != nil {
		cultivation = season.SeasonType
	}

	switch cultivation {
	case models.CultivationRice:
		if salinity > p.RiceSalinityMax {
			return &thresholdVerdict{
				severity: models.SeverityCritical,
				title:    "Saltwater intrusion alert (rice season)",
				message:  fmt.Sprintf("Measured salinity %.2f‰ exceeds the rice tolerance of %.1f‰", salinity, p.RiceSalinityMax),
			}
		}
	case models.CultivationShrimp:
		if salinity > p.ShrimpSalinityMax {
			return &thresholdVerdict{
				severity: models.SeverityWarning,
				title:    "Salinity warning (shrimp season)",
				message:  fmt.Sprintf("Measured salinity %.2f‰ exceeds %.1f‰, monitor shrimp health", salinity, p.ShrimpSalinityMax),
			}
		}
	}

	return nil
}

var validate = validator.New()

type service struct {
	policy    Policy
	db        database.Datastore
	publisher EventPublisher
	log       logging.Logger
	locks     deviceLocks
	now       func() time.Time
}

//NewService creates the ingestion pipeline
func NewService(policy Policy, db database.Datastore, publisher EventPublisher, log logging.Logger) Service {
	return &service{
		policy:    policy,
		db:        db,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

//IngestReading runs the full pipeline for one inbound measurement: resolve
//the device, decide store vs refresh under the device's lock, publish the
//data event, evaluate the season threshold and raise an alert if crossed.
func (s *service) IngestReading(ctx context.Context, incoming *IncomingReading) (*Result, error) {
	err := validate.Struct(incoming)
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrInvalidReading)
	}

	device, err := s.db.GetDeviceFromEUI(incoming.DeviceEUI)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	//The read-then-write deadband decision races with itself for readings
	//from the same device, so it runs under a per-device lock. Readings from
	//different devices stay fully concurrent.
	unlock := s.locks.lock(device.ID)

	latest, err := s.db.GetLatestReadingForDevice(device.ID)
	if err != nil {
		unlock()
		return nil, err
	}

	if latest != nil && !s.policy.shouldStore(incoming, latest, now) {
		//The measurement does not change anything materially. Advance the
		//liveness timestamp of the latest row and stop: a suppressed reading
		//publishes no event and is not evaluated against the thresholds.
		err = s.db.RefreshReadingTimestamp(latest.ID, now)
		unlock()
		if err != nil {
			return nil, err
		}
		return &Result{Stored: false}, nil
	}

	_, err = s.db.StoreReading(&models.Reading{
		DeviceID:       device.ID,
		Timestamp:      now,
		Salinity:       incoming.Salinity,
		Temperature:    incoming.Temperature,
		Ph:             incoming.Ph,
		WaterLevel:     incoming.WaterLevel,
		BatteryVoltage: incoming.BatteryVoltage,
	})
	unlock()
	if err != nil {
		return nil, err
	}

	result := &Result{Stored: true}

	s.publisher.Publish(events.NewSensorDataReceived(device.ID, device.FarmID, events.Measurements{
		Salinity:    incoming.Salinity,
		Temperature: incoming.Temperature,
		Ph:          incoming.Ph,
	}, source))

	season, err := s.db.GetActiveSeason(device.FarmID)
	if err != nil {
		return nil, err
	}

	verdict := s.policy.evaluateSalinity(season, incoming.Salinity)
	if verdict == nil {
		return result, nil
	}

	farm, err := s.db.GetFarmFromID(device.FarmID)
	if err != nil {
		return nil, err
	}

	alert, err := s.db.CreateAlert(&models.Alert{
		FarmID:    device.FarmID,
		UserID:    farm.UserID,
		AlertType: "salinity_high",
		Severity:  verdict.severity,
		Title:     verdict.title,
		Message:   verdict.message,
		Status:    models.AlertActive,
	})
	if err != nil {
		return nil, err
	}

	result.Alert = alert
	s.publisher.Publish(events.NewAlertTriggered(device.FarmID, verdict.severity, verdict.title, verdict.message, source))

	return result, nil
}
