package domain

import (
	"time"
)

// SessionRecordModel is the GORM model for the session_records table.
type SessionRecordModel struct {
	ChannelID         string  `gorm:"type:varchar(64);primaryKey"`
	CurrentSessionID  *string `gorm:"type:varchar(128)"`
	IsLive            bool    `gorm:"index;not null;default:false"`
	SessionStartedAt  *time.Time
	LastPingAt        *time.Time `gorm:"index"`
	Viewers           int        `gorm:"not null;default:0"`
	PeakViewers       int        `gorm:"not null;default:0"`
	TotalStreamTimeMs int64      `gorm:"not null;default:0"`
	LastStreamEndedAt *time.Time
	StartedBy         *string   `gorm:"type:varchar(64)"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for SessionRecordModel.
func (SessionRecordModel) TableName() string {
	return "session_records"
}

// ToDomain converts SessionRecordModel to domain SessionRecord.
func (m *SessionRecordModel) ToDomain() *SessionRecord {
	return &SessionRecord{
		ChannelID:         m.ChannelID,
		CurrentSessionID:  m.CurrentSessionID,
		IsLive:            m.IsLive,
		SessionStartedAt:  m.SessionStartedAt,
		LastPingAt:        m.LastPingAt,
		Viewers:           m.Viewers,
		PeakViewers:       m.PeakViewers,
		TotalStreamTime:   time.Duration(m.TotalStreamTimeMs) * time.Millisecond,
		LastStreamEndedAt: m.LastStreamEndedAt,
		StartedBy:         m.StartedBy,
		UpdatedAt:         m.UpdatedAt,
	}
}
