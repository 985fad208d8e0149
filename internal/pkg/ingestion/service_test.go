package ingestion

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"gorm.io/gorm"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/errs"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/eventbus/events"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestThatFirstReadingForFreshDeviceIsAlwaysStored(t *testing.T) {
	f := newFixture(t, "eui-ing-01", nil)

	result, err := f.svc.IngestReading(context.Background(), reading("eui-ing-01", 5.0, 28.0, 7.0))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	if !result.Stored {
		t.Error("The first reading from a fresh device must always be stored")
	}

	if f.pub.countOf(events.SensorDataReceivedTopic) != 1 {
		t.Error("Expected exactly one SENSOR_DATA_RECEIVED event")
	}
}

func TestThatReadingWithinDeadbandOnlyRefreshesTimestamp(t *testing.T) {
	f := newFixture(t, "eui-ing-02", nil)

	f.svc.IngestReading(context.Background(), reading("eui-ing-02", 5.0, 28.0, 7.0))
	first, _ := f.db.GetLatestReadingForDevice(f.device.ID)

	f.advance(1 * time.Minute)
	result, err := f.svc.IngestReading(context.Background(), reading("eui-ing-02", 5.05, 28.1, 7.05))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	if result.Stored {
		t.Error("A reading within deadband and heartbeat should not be stored")
	}

	latest, _ := f.db.GetLatestReadingForDevice(f.device.ID)
	if latest.ID != first.ID {
		t.Error("The refresh path must not create a new reading row")
		return
	}

	if !latest.Timestamp.After(first.Timestamp) {
		t.Error("The refresh path must advance the latest reading's timestamp")
	}

	if latest.Salinity != 5.0 {
		t.Error("The refresh path must not change measurement values")
	}
}

func TestThatSalinityDeltaBeyondDeadbandStoresNewRow(t *testing.T) {
	f := newFixture(t, "eui-ing-03", nil)

	f.svc.IngestReading(context.Background(), reading("eui-ing-03", 5.0, 28.0, 7.0))

	f.advance(1 * time.Minute)
	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-03", 5.3, 28.0, 7.0))

	if !result.Stored {
		t.Error("A salinity delta beyond the deadband must store a new row regardless of heartbeat")
	}
}

func TestThatHeartbeatStoresIdenticalReading(t *testing.T) {
	f := newFixture(t, "eui-ing-04", nil)

	f.svc.IngestReading(context.Background(), reading("eui-ing-04", 5.0, 28.0, 7.0))

	f.advance(11 * time.Minute)
	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-04", 5.0, 28.0, 7.0))

	if !result.Stored {
		t.Error("An identical reading after the heartbeat interval must be stored")
	}
}

func TestThatRiceSeasonSalinityAboveThresholdTriggersCriticalAlert(t *testing.T) {
	rice := models.CultivationRice
	f := newFixture(t, "eui-ing-05", &rice)

	result, err := f.svc.IngestReading(context.Background(), reading("eui-ing-05", 2.1, 28.0, 7.0))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	if result.Alert == nil || result.Alert.Severity != models.SeverityCritical {
		t.Error("Salinity 2.1 in a rice season must raise a critical alert")
		return
	}

	if f.pub.countOf(events.AlertTriggeredTopic) != 1 {
		t.Error("Expected exactly one ALERT_TRIGGERED event")
	}
}

func TestThatRiceSeasonSalinityBelowThresholdTriggersNothing(t *testing.T) {
	rice := models.CultivationRice
	f := newFixture(t, "eui-ing-06", &rice)

	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-06", 1.9, 28.0, 7.0))

	if result.Alert != nil {
		t.Error("Salinity 1.9 in a rice season must not raise an alert")
	}

	if f.pub.countOf(events.AlertTriggeredTopic) != 0 {
		t.Error("No ALERT_TRIGGERED event expected")
	}
}

func TestThatShrimpSeasonSalinityAboveThresholdTriggersWarning(t *testing.T) {
	shrimp := models.CultivationShrimp
	f := newFixture(t, "eui-ing-07", &shrimp)

	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-07", 12.5, 28.0, 7.0))

	if result.Alert == nil || result.Alert.Severity != models.SeverityWarning {
		t.Error("Salinity 12.5 in a shrimp season must raise a warning alert")
	}
}

func TestThatShrimpSeasonSalinityBelowThresholdTriggersNothing(t *testing.T) {
	shrimp := models.CultivationShrimp
	f := newFixture(t, "eui-ing-08", &shrimp)

	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-08", 11.9, 28.0, 7.0))

	if result.Alert != nil {
		t.Error("Salinity 11.9 in a shrimp season must not raise an alert")
	}
}

func TestThatMissingSeasonFallsBackToDefaultCultivation(t *testing.T) {
	f := newFixture(t, "eui-ing-09", nil)

	result, _ := f.svc.IngestReading(context.Background(), reading("eui-ing-09", 12.5, 28.0, 7.0))

	if result.Alert == nil || result.Alert.Severity != models.SeverityWarning {
		t.Error("Without an active season the default (shrimp) threshold policy applies")
	}
}

func TestThatUnknownDeviceIsRejected(t *testing.T) {
	f := newFixture(t, "eui-ing-10", nil)

	_, err := f.svc.IngestReading(context.Background(), reading("eui-unregistered", 5.0, 28.0, 7.0))
	if !errors.Is(err, errs.ErrDeviceNotFound) {
		t.Error("A reading from an unregistered device must be rejected with not found, got", err)
	}

	if f.pub.countOf(events.SensorDataReceivedTopic) != 0 {
		t.Error("A rejected reading must not publish events")
	}
}

func TestThatOutOfRangeMeasurementIsRejected(t *testing.T) {
	f := newFixture(t, "eui-ing-11", nil)

	_, err := f.svc.IngestReading(context.Background(), reading("eui-ing-11", 5.0, 28.0, 17.0))
	if !errors.Is(err, errs.ErrInvalidReading) {
		t.Error("A pH of 17 must fail validation, got", err)
	}
}

func TestEndToEndWarningScenario(t *testing.T) {
	f := newFixture(t, "eui-ing-12", nil)

	result, err := f.svc.IngestReading(context.Background(), reading("eui-ing-12", 15.0, 28.0, 7.0))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	if !result.Stored || result.Alert == nil || result.Alert.Severity != models.SeverityWarning {
		t.Error("First ingestion should store a row and raise a warning alert")
		return
	}

	if f.pub.countOf(events.SensorDataReceivedTopic) != 1 || f.pub.countOf(events.AlertTriggeredTopic) != 1 {
		t.Error("First ingestion should publish one data event and one alert event")
		return
	}

	f.advance(1 * time.Minute)
	result, err = f.svc.IngestReading(context.Background(), reading("eui-ing-12", 15.05, 28.0, 7.0))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	if result.Stored || result.Alert != nil {
		t.Error("Second ingestion within deadband should only refresh the timestamp")
		return
	}

	if f.pub.countOf(events.SensorDataReceivedTopic) != 1 || f.pub.countOf(events.AlertTriggeredTopic) != 1 {
		t.Error("A suppressed reading must not publish events or alerts")
	}
}

func TestThatConcurrentSuppressedReadingsLeaveASingleRow(t *testing.T) {
	f := newFixture(t, "eui-ing-13", nil)

	_, err := f.svc.IngestReading(context.Background(), reading("eui-ing-13", 5.0, 28.0, 7.0))
	if err != nil {
		t.Error("IngestReading failed:" + err.Error())
		return
	}

	f.advance(1 * time.Minute)

	//All of these race through the read-then-write deadband decision for the
	//same device, so without the per-device lock some of them would observe
	//the pre-refresh row and store duplicates.
	const writers = 16
	results := make(chan *Result, writers)
	failures := make(chan error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.IngestReading(context.Background(), reading("eui-ing-13", 5.05, 28.1, 7.05))
			results <- result
			failures <- err
		}()
	}
	wg.Wait()
	close(results)
	close(failures)

	for err := range failures {
		if err != nil {
			t.Error("Concurrent IngestReading failed:" + err.Error())
			return
		}
	}

	for result := range results {
		if result.Stored {
			t.Error("An in-deadband reading must be suppressed even under contention")
			return
		}
	}

	all, err := f.db.GetLatestReadings(1000)
	if err != nil {
		t.Error("GetLatestReadings failed:" + err.Error())
		return
	}

	rows := 0
	for _, r := range all {
		if r.DeviceID == f.device.ID {
			rows++
		}
	}

	if rows != 1 {
		t.Errorf("Expected exactly one stored reading for the device, got %d", rows)
	}
}

func TestThatFailingReadingLookupAbortsIngestion(t *testing.T) {
	pub := &pubMock{}
	svc := NewService(DefaultPolicy(), &unavailableDatastore{failOnStore: false}, pub, logging.NewLogger())

	_, err := svc.IngestReading(context.Background(), reading("eui-ing-14", 5.0, 28.0, 7.0))
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Error("A failing datastore must abort the ingestion as unavailable, got", err)
	}

	if len(pub.published) != 0 {
		t.Error("An aborted ingestion must not publish events")
	}
}

func TestThatFailingStoreAbortsIngestion(t *testing.T) {
	pub := &pubMock{}
	svc := NewService(DefaultPolicy(), &unavailableDatastore{failOnStore: true}, pub, logging.NewLogger())

	_, err := svc.IngestReading(context.Background(), reading("eui-ing-15", 5.0, 28.0, 7.0))
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Error("A failing store must abort the ingestion as unavailable, got", err)
	}

	if len(pub.published) != 0 {
		t.Error("An aborted ingestion must not publish events")
	}
}

func reading(eui string, salinity, temperature, ph float64) *IncomingReading {
	return &IncomingReading{
		DeviceEUI:   eui,
		Salinity:    salinity,
		Temperature: temperature,
		Ph:          ph,
		WaterLevel:  1.2,
	}
}

type fixture struct {
	svc    *service
	db     database.Datastore
	pub    *pubMock
	device *models.Device
	now    time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

//newFixture creates a sqlite backed datastore with one farm and one device
//registered under the given eui, optionally with an active season.
func newFixture(t *testing.T, eui string, cultivation *models.CultivationType) *fixture {
	log := logging.NewLogger()
	db, err := database.NewDatabaseConnection(database.NewSQLiteConnector(), log)
	if err != nil {
		t.Fatal(err.Error())
	}

	farm, err := db.CreateFarm(&models.Farm{FarmCode: "farm-" + eui, UserID: 42})
	if err != nil {
		t.Fatal(err.Error())
	}

	device, err := db.RegisterDevice(&models.Device{DeviceEUI: eui, FarmID: farm.ID})
	if err != nil {
		t.Fatal(err.Error())
	}

	if cultivation != nil {
		_, err = db.StartSeason(&models.Season{FarmID: farm.ID, SeasonType: *cultivation})
		if err != nil {
			t.Fatal(err.Error())
		}
	}

	pub := &pubMock{}

	f := &fixture{
		db:     db,
		pub:    pub,
		device: device,
		now:    time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
	}

	svc := NewService(DefaultPolicy(), db, pub, log).(*service)
	svc.now = func() time.Time { return f.now }
	f.svc = svc

	return f
}

type pubMock struct {
	mtx       sync.Mutex
	published []messaging.TopicMessage
}

func (p *pubMock) Publish(message messaging.TopicMessage) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.published = append(p.published, message)
}

func (p *pubMock) countOf(topic string) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	count := 0
	for _, msg := range p.published {
		if msg.TopicName() == topic {
			count++
		}
	}
	return count
}

//unavailableDatastore resolves the device but fails the persistence step, as
//a real datastore would when the database connection drops mid-request.
type unavailableDatastore struct {
	database.Datastore
	failOnStore bool
}

func (db *unavailableDatastore) GetDeviceFromEUI(eui string) (*models.Device, error) {
	return &models.Device{Model: gorm.Model{ID: 1}, DeviceEUI: eui, FarmID: 1}, nil
}

func (db *unavailableDatastore) GetLatestReadingForDevice(deviceID uint) (*models.Reading, error) {
	if db.failOnStore {
		return nil, nil
	}
	return nil, errs.WrapError(errors.New("connection refused"), errs.ErrStorageUnavailable)
}

func (db *unavailableDatastore) StoreReading(reading *models.Reading) (*models.Reading, error) {
	return nil, errs.WrapError(errors.New("connection refused"), errs.ErrStorageUnavailable)
}
