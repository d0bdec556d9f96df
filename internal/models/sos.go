package models

import (
	"math"
	"time"

	"TourGuard/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SOS 状态，只能向前流转
const (
	SOSStatusPending      = "pending"
	SOSStatusAcknowledged = "acknowledged"
	SOSStatusResolved     = "resolved"
)

const maxTransitionAttempts = 3

var sosStatusOrder = map[string]int{
	SOSStatusPending:      0,
	SOSStatusAcknowledged: 1,
	SOSStatusResolved:     2,
}

// ValidSOSStatus 是否为合法状态
func ValidSOSStatus(status string) bool {
	_, ok := sosStatusOrder[status]
	return ok
}

// SOSEvent 求助事件
type SOSEvent struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	UserID         string     `json:"userId" gorm:"size:36;index;not null"`
	User           *User      `json:"-" gorm:"foreignKey:UserID"`
	Latitude       float64    `json:"latitude" gorm:"type:decimal(10,7);not null"`
	Longitude      float64    `json:"longitude" gorm:"type:decimal(10,7);not null"`
	AccuracyMeters *float64   `json:"accuracyMeters"`
	Message        *string    `json:"message" gorm:"type:text"`
	Status         string     `json:"status" gorm:"size:20;index;not null;default:pending"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"index"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt"`
}

func (SOSEvent) TableName() string {
	return "sos_events"
}

// SOSEventView 带求助人快照的事件，用于接口返回与推送
type SOSEventView struct {
	SOSEvent
	User *UserSnapshot `json:"user,omitempty"`
}

// SOSFilter 列表过滤条件，零值表示不过滤
type SOSFilter struct {
	Status string
	Since  *time.Time
}

// SOSTransition 一次状态更新的结果
type SOSTransition struct {
	Event    *SOSEvent
	Previous string
}

func (e *SOSEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *SOSEvent) View() *SOSEventView {
	return &SOSEventView{SOSEvent: *e, User: e.User.Snapshot()}
}

// RoundCoordinate 与 decimal(10,7) 列保持一致
func RoundCoordinate(v float64) float64 {
	return math.Round(v*1e7) / 1e7
}

// CreateSOSEvent 新事件一律为 pending
func CreateSOSEvent(db *gorm.DB, event *SOSEvent) error {
	event.Latitude = RoundCoordinate(event.Latitude)
	event.Longitude = RoundCoordinate(event.Longitude)
	event.Status = SOSStatusPending
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	// sqlite 以文本比较时间，统一存 UTC
	event.CreatedAt = event.CreatedAt.UTC()
	event.AcknowledgedAt = nil
	event.ResolvedAt = nil
	return db.Omit("User").Create(event).Error
}

// GetSOSEvent 查询单个事件并关联当前的求助人信息
func GetSOSEvent(db *gorm.DB, id string) (*SOSEvent, error) {
	var event SOSEvent
	err := db.Preload("User").Preload("User.EmergencyContacts", orderedContacts).
		First(&event, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListSOSEvents 按创建时间倒序，求助人信息与单条查询一致
func ListSOSEvents(db *gorm.DB, filter SOSFilter) ([]SOSEvent, error) {
	query := db.Preload("User").Preload("User.EmergencyContacts", orderedContacts)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}

	var events []SOSEvent
	if err := query.Order("created_at DESC").Order("id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountSOSByStatus 统计某状态的事件数
func CountSOSByStatus(db *gorm.DB, status string) (int64, error) {
	var n int64
	err := db.Model(&SOSEvent{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// UpdateSOSStatus 以旧状态为条件做比较并交换，冲突时重读重试。
// 不允许回退；同状态更新不改时间戳；进入 acknowledged / resolved 时各自只记录一次时间。
func UpdateSOSStatus(db *gorm.DB, id, status string, now time.Time) (*SOSTransition, error) {
	if !ValidSOSStatus(status) {
		return nil, errors.InvalidRequest("Invalid status value")
	}

	now = now.UTC()
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		var current SOSEvent
		if err := db.First(&current, "id = ?", id).Error; err != nil {
			return nil, err
		}
		if sosStatusOrder[status] < sosStatusOrder[current.Status] {
			return nil, errors.InvalidTransition(current.Status, status)
		}

		if status == current.Status {
			return &SOSTransition{Event: &current, Previous: current.Status}, nil
		}

		updates := map[string]interface{}{"status": status}
		if status == SOSStatusAcknowledged && current.AcknowledgedAt == nil {
			updates["acknowledged_at"] = now
		}
		if status == SOSStatusResolved && current.ResolvedAt == nil {
			updates["resolved_at"] = now
		}

		res := db.Model(&SOSEvent{}).
			Where("id = ? AND status = ?", id, current.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		var updated SOSEvent
		if err := db.First(&updated, "id = ?", id).Error; err != nil {
			return nil, err
		}
		return &SOSTransition{Event: &updated, Previous: current.Status}, nil
	}

	return nil, errors.Conflict("SOS event was modified concurrently, please retry")
}
