package database

import (
	"time"

	"gorm.io/gorm"
)

// CollarFix is one stored collar telemetry report
type CollarFix struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	CollarID     int16     `gorm:"index;not null" json:"collar_id"`
	Name         string    `gorm:"size:64" json:"name"`
	Latitude     float64   `gorm:"not null" json:"latitude"`
	Longitude    float64   `gorm:"not null" json:"longitude"`
	Altitude     float32   `json:"altitude"`
	UtmZone      int       `json:"utm_zone,omitempty"`
	UtmBand      string    `gorm:"size:1" json:"utm_band,omitempty"`
	Easting      float64   `json:"easting,omitempty"`
	Northing     float64   `json:"northing,omitempty"`
	Battery      uint8     `json:"battery"`
	CommStrength uint8     `json:"comm_strength"`
	GPSStrength  uint8     `json:"gps_strength"`
	Moving       bool      `json:"moving"`
	DeviceTime   time.Time `json:"device_time"` // collar clock, zero when unknown
	ReceivedAt   time.Time `gorm:"index;not null" json:"received_at"`
	SessionID    string    `gorm:"index;size:36" json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for CollarFix
func (CollarFix) TableName() string {
	return "collar_fixes"
}

// BeforeCreate hook to ensure ReceivedAt is set
func (f *CollarFix) BeforeCreate(tx *gorm.DB) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = f.CreatedAt
	}
	return nil
}

// PositionRecord is one stored handheld PVT fix
type PositionRecord struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Latitude   float64   `gorm:"not null" json:"latitude"`
	Longitude  float64   `gorm:"not null" json:"longitude"`
	Altitude   float32   `json:"altitude"`
	MSLHeight  float32   `json:"msl_height"`
	FixType    uint16    `json:"fix_type"`
	FixName    string    `gorm:"size:20" json:"fix_name"`
	EPE        float32   `json:"epe"`
	EPH        float32   `json:"eph"`
	EPV        float32   `json:"epv"`
	VelEast    float32   `json:"vel_east"`
	VelNorth   float32   `json:"vel_north"`
	VelUp      float32   `json:"vel_up"`
	UtmZone    int       `json:"utm_zone,omitempty"`
	UtmBand    string    `gorm:"size:1" json:"utm_band,omitempty"`
	Easting    float64   `json:"easting,omitempty"`
	Northing   float64   `json:"northing,omitempty"`
	FixTime    time.Time `json:"fix_time"` // UTC from the receiver, zero when unknown
	ReceivedAt time.Time `gorm:"index;not null" json:"received_at"`
	SessionID  string    `gorm:"index;size:36" json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for PositionRecord
func (PositionRecord) TableName() string {
	return "positions"
}

// BeforeCreate hook to ensure ReceivedAt is set
func (p *PositionRecord) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = p.CreatedAt
	}
	return nil
}
