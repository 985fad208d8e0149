package models

import (
	"time"

	"gorm.io/gorm"
)

//CultivationType is a closed enumeration of the crop types a season can grow
type CultivationType string

const (
	//CultivationRice is a rice growing season. Rice is salinity intolerant.
	CultivationRice CultivationType = "rice"
	//CultivationShrimp is a shrimp growing season. Shrimp tolerate brackish water.
	CultivationShrimp CultivationType = "shrimp"
)

//IsValid reports whether the cultivation type is one of the known values
func (c CultivationType) IsValid() bool {
	return c == CultivationRice || c == CultivationShrimp
}

//SeasonStatus is the lifecycle state of a season
type SeasonStatus string

const (
	//SeasonActive is the single season a farm is currently running
	SeasonActive SeasonStatus = "active"
	//SeasonCompleted is a season that has been closed out
	SeasonCompleted SeasonStatus = "completed"
)

//AlertSeverity grades how urgent an alert is
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
	SeverityInfo     AlertSeverity = "info"
)

//AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
)

//Farm is the database model for the farms that own devices and seasons
type Farm struct {
	gorm.Model
	FarmCode string `gorm:"unique"`
	Name     string
	UserID   uint
}

//Device is the database model for registered sensor devices. The EUI is the
//immutable, globally unique hardware identifier used as external key.
type Device struct {
	gorm.Model
	DeviceEUI    string `gorm:"column:device_eui;unique"`
	Name         string
	DeviceType   string
	FarmID       uint `gorm:"index"`
	Farm         Farm
	Status       string
	BatteryLevel int
}

//Reading stores one persisted measurement from a device. Rows are immutable
//once stored, with a single narrow exception: the Timestamp of the most
//recent row may be advanced in place by the deadband liveness refresh.
type Reading struct {
	gorm.Model
	DeviceID       uint      `gorm:"index:readings_from_device"`
	Timestamp      time.Time `gorm:"index"`
	Salinity       float64
	Temperature    float64
	Ph             float64
	WaterLevel     float64
	BatteryVoltage float64
	SignalStrength int
}

//Season is the database model for a bounded cultivation period on a farm.
//Invariant: at most one active season per farm at any time.
type Season struct {
	gorm.Model
	FarmID          uint `gorm:"index"`
	SeasonType      CultivationType
	Status          SeasonStatus
	StartDate       time.Time
	ExpectedEndDate *time.Time
	Variety         string
}

//Alert is the database model for triggered or manually created alerts
type Alert struct {
	gorm.Model
	FarmID         uint `gorm:"index"`
	UserID         uint `gorm:"index"`
	AlertType      string
	Severity       AlertSeverity
	Title          string
	Message        string
	Status         AlertStatus
	AcknowledgedAt *time.Time
}
