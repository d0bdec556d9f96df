package models

import (
	"time"

	constants "TourGuard/pkg/constant"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// AuditLog 只追加，不更新
type AuditLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	EventType  string    `json:"eventType" gorm:"size:64;index"`
	UserID     string    `json:"userId" gorm:"size:64;index"` // 操作的管理员
	SOSEventID string    `json:"sosEventId" gorm:"size:36;index"`
	Payload    string    `json:"payload" gorm:"type:text"`
	CreatedAt  time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// StatusChangePayload sos_status_change 的内容
type StatusChangePayload struct {
	PreviousStatus string    `json:"previousStatus"`
	NewStatus      string    `json:"newStatus"`
	AdminName      string    `json:"adminName"`
	Timestamp      time.Time `json:"timestamp"`
}

// AppendStatusChange 记录一次状态变更
func AppendStatusChange(db *gorm.DB, adminID, sosEventID string, payload StatusChangePayload) (*AuditLog, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	entry := &AuditLog{
		EventType:  constants.AuditEventSOSStatusChange,
		UserID:     adminID,
		SOSEventID: sosEventID,
		Payload:    string(raw),
	}
	if err := db.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ListAuditLogs 某事件的审计记录，按写入顺序
func ListAuditLogs(db *gorm.DB, sosEventID string) ([]AuditLog, error) {
	var logs []AuditLog
	if err := db.Where("sos_event_id = ?", sosEventID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (a *AuditLog) StatusChange() (StatusChangePayload, error) {
	var p StatusChangePayload
	err := json.Unmarshal([]byte(a.Payload), &p)
	return p, err
}
