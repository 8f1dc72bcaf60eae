package domain

import "time"

// WhatsAppDevice is an application-level device record linking a phone number
// to a persisted WhatsApp session entry.
type WhatsAppDevice struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Phone     string    `gorm:"index" json:"phone" form:"phone"`
	Name      string    `json:"name" form:"name"`
	Jid       string    `json:"jid"` // populated after pairing completes
	Status    string    `json:"status"` // created, provisioned, connected, disconnected
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (WhatsAppDevice) TableName() string {
	return "whatsapp_device"
}
