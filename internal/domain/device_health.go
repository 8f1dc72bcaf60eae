package domain

import "time"

// WhatsAppDeviceHealth mirrors the latest computed health snapshot for a
// device. The authoritative copy lives in the store; this row exists for
// reporting queries and survives store flushes.
type WhatsAppDeviceHealth struct {
	DeviceID           string    `json:"device_id" gorm:"primaryKey"`
	Status             string    `gorm:"index" json:"status"`
	Score              int       `json:"score"`
	MessagesPerHour    int       `json:"messages_per_hour"`
	SuccessRate        float64   `json:"success_rate"`
	AvgResponseTimeMs  int64     `json:"avg_response_time_ms"`
	DisconnectionCount int       `json:"disconnection_count"`
	WarmupPhase        bool      `json:"warmup_phase"`
	Warnings           string    `json:"warnings"` // newline separated
	LastActivity       int64     `json:"last_activity"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName Specify table name
func (WhatsAppDeviceHealth) TableName() string {
	return "whatsapp_device_health"
}
