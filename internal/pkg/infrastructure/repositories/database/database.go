package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/errs"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/config"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/logging"
	"github.com/mekong-iot/iot-farm-monitor/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	RegisterDevice(device *models.Device) (*models.Device, error)
	GetDeviceFromEUI(eui string) (*models.Device, error)
	GetDevices() ([]models.Device, error)

	CreateFarm(farm *models.Farm) (*models.Farm, error)
	GetFarmFromID(farmID uint) (*models.Farm, error)

	StoreReading(reading *models.Reading) (*models.Reading, error)
	GetLatestReadingForDevice(deviceID uint) (*models.Reading, error)
	RefreshReadingTimestamp(readingID uint, observedAt time.Time) error
	GetLatestReadings(limit int) ([]models.Reading, error)

	GetActiveSeason(farmID uint) (*models.Season, error)
	StartSeason(season *models.Season) (*models.Season, error)

	CreateAlert(alert *models.Alert) (*models.Alert, error)
	AcknowledgeAlert(alertID uint) error
	GetAlertsForUser(userID uint) ([]models.Alert, error)
}

type myDB struct {
	impl *gorm.DB
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(cfg *config.Configuration, log logging.Logger) ConnectorFunc {
	dbURI := fmt.Sprintf(
		"host=%s user=%s dbname=%s sslmode=%s password=%s",
		cfg.PostgresHost, cfg.PostgresUser, cfg.PostgresDatabase, cfg.PostgresSSLMode, cfg.PostgresPassword,
	)

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...\n", cfg.PostgresHost)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{})
			if err != nil {
				log.Errorf("Failed to connect to database %s\n", err)
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")

			//The shared cache in-memory database does not tolerate overlapping
			//statements from multiple pooled connections, so keep the pool at one.
			if sqlDB, poolErr := db.DB(); poolErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
	}

	err = db.impl.AutoMigrate(
		&models.Farm{},
		&models.Device{},
		&models.Reading{},
		&models.Season{},
		&models.Alert{},
	)
	if err != nil {
		log.Errorf("Failed to migrate database schema: %s", err.Error())
		return nil, err
	}

	return db, nil
}

//RegisterDevice stores a new device. Registration with an EUI that is already
//known is rejected with a conflict, it is not an upsert.
func (db *myDB) RegisterDevice(src *models.Device) (*models.Device, error) {
	if src.DeviceEUI == "" {
		return nil, errs.WrapError(errors.New("device eui may not be empty"), errs.ErrBadRequest)
	}

	existing := models.Device{}
	result := db.impl.Where("device_eui = ?", src.DeviceEUI).First(&existing)
	if result.RowsAffected > 0 {
		return nil, errs.WrapError(
			fmt.Errorf("a device with eui %s already exists", src.DeviceEUI),
			errs.ErrDeviceAlreadyRegistered,
		)
	}
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	if src.Status == "" {
		src.Status = "active"
	}
	if src.BatteryLevel == 0 {
		src.BatteryLevel = 100
	}

	return db.insertDevice(src)
}

func (db *myDB) insertDevice(src *models.Device) (*models.Device, error) {
	result := db.impl.Create(src)
	if result.Error != nil {
		//A concurrent registration may have won the race between the
		//existence check and the insert. If the eui is taken by now the
		//unique constraint fired, which is a conflict, not an outage.
		check := db.impl.Where("device_eui = ?", src.DeviceEUI).First(&models.Device{})
		if check.RowsAffected > 0 {
			return nil, errs.WrapError(
				fmt.Errorf("a device with eui %s already exists", src.DeviceEUI),
				errs.ErrDeviceAlreadyRegistered,
			)
		}
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return src, nil
}

//GetDeviceFromEUI resolves a device from its external hardware identifier
func (db *myDB) GetDeviceFromEUI(eui string) (*models.Device, error) {
	device := &models.Device{}
	result := db.impl.Where("device_eui = ?", eui).First(device)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errs.WrapError(
				fmt.Errorf("no device matches eui %s", eui),
				errs.ErrDeviceNotFound,
			)
		}
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return device, nil
}

//GetDevices returns all registered devices
func (db *myDB) GetDevices() ([]models.Device, error) {
	devices := []models.Device{}
	result := db.impl.Find(&devices)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return devices, nil
}

//CreateFarm stores a new farm
func (db *myDB) CreateFarm(farm *models.Farm) (*models.Farm, error) {
	result := db.impl.Create(farm)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return farm, nil
}

//GetFarmFromID returns the farm with the given primary key
func (db *myDB) GetFarmFromID(farmID uint) (*models.Farm, error) {
	farm := &models.Farm{}
	result := db.impl.First(farm, farmID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errs.WrapError(
				fmt.Errorf("no farm with id %d", farmID),
				errs.ErrFarmNotFound,
			)
		}
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return farm, nil
}

//StoreReading appends a new reading row for a device
func (db *myDB) StoreReading(reading *models.Reading) (*models.Reading, error) {
	result := db.impl.Create(reading)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return reading, nil
}

//GetLatestReadingForDevice returns the most recent stored reading for a
//device, or nil if the device has never reported.
func (db *myDB) GetLatestReadingForDevice(deviceID uint) (*models.Reading, error) {
	reading := &models.Reading{}
	result := db.impl.Where("device_id = ?", deviceID).Order("timestamp desc").First(reading)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return reading, nil
}

//RefreshReadingTimestamp advances the timestamp of an existing reading row.
//This is the single sanctioned mutation of stored readings: it marks the
//device as recently reporting without growing the dataset. Measurement
//values are never touched.
func (db *myDB) RefreshReadingTimestamp(readingID uint, observedAt time.Time) error {
	result := db.impl.Model(&models.Reading{}).Where("id = ?", readingID).Update("timestamp", observedAt)
	if result.Error != nil {
		return errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return nil
}

//GetLatestReadings returns the most recent readings across all devices
func (db *myDB) GetLatestReadings(limit int) ([]models.Reading, error) {
	if limit <= 0 {
		limit = 20
	}

	readings := []models.Reading{}
	result := db.impl.Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return readings, nil
}

//GetActiveSeason returns the farm's currently active season, or nil if the
//farm is between seasons.
func (db *myDB) GetActiveSeason(farmID uint) (*models.Season, error) {
	season := &models.Season{}
	result := db.impl.Where("farm_id = ? AND status = ?", farmID, models.SeasonActive).First(season)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return season, nil
}

//StartSeason completes any currently active season for the farm and creates
//the new one in a single transaction, so that the at-most-one-active-season
//invariant holds even under concurrent calls for the same farm.
func (db *myDB) StartSeason(season *models.Season) (*models.Season, error) {
	if !season.SeasonType.IsValid() {
		return nil, errs.WrapError(
			fmt.Errorf("unknown cultivation type %s", season.SeasonType),
			errs.ErrInvalidSeason,
		)
	}

	season.Status = models.SeasonActive
	if season.StartDate.IsZero() {
		season.StartDate = time.Now().UTC()
	}

	err := db.impl.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Season{}).
			Where("farm_id = ? AND status = ?", season.FarmID, models.SeasonActive).
			Update("status", models.SeasonCompleted)
		if result.Error != nil {
			return result.Error
		}

		return tx.Create(season).Error
	})
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrStorageUnavailable)
	}

	return season, nil
}

//CreateAlert stores a new alert in active state
func (db *myDB) CreateAlert(alert *models.Alert) (*models.Alert, error) {
	if alert.Status == "" {
		alert.Status = models.AlertActive
	}

	result := db.impl.Create(alert)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return alert, nil
}

//AcknowledgeAlert transitions an alert to acknowledged and stamps the time.
//Acknowledging an alert that is already acknowledged is a no-op.
func (db *myDB) AcknowledgeAlert(alertID uint) error {
	alert := &models.Alert{}
	result := db.impl.First(alert, alertID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return errs.WrapError(
				fmt.Errorf("no alert with id %d", alertID),
				errs.ErrAlertNotFound,
			)
		}
		return errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	if alert.Status == models.AlertAcknowledged {
		return nil
	}

	now := time.Now().UTC()
	result = db.impl.Model(alert).Updates(map[string]interface{}{
		"status":          models.AlertAcknowledged,
		"acknowledged_at": &now,
	})
	if result.Error != nil {
		return errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return nil
}

//GetAlertsForUser returns all alerts belonging to a user, newest first
func (db *myDB) GetAlertsForUser(userID uint) ([]models.Alert, error) {
	alerts := []models.Alert{}
	result := db.impl.Where("user_id = ?", userID).Order("created_at desc").Find(&alerts)
	if result.Error != nil {
		return nil, errs.WrapError(result.Error, errs.ErrStorageUnavailable)
	}

	return alerts, nil
}
