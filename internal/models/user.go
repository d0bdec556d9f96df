package models

import (
	"time"

	constants "TourGuard/pkg/constant"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 求助人 / 管理员
type User struct {
	ID                string             `json:"id" gorm:"primaryKey;size:36"`
	Name              string             `json:"name" gorm:"size:128"`
	Phone             string             `json:"phone" gorm:"size:64"`
	Email             string             `json:"email" gorm:"size:128;index"`
	PasswordHash      string             `json:"-" gorm:"size:128"`
	ExternalID        *string            `json:"externalId,omitempty" gorm:"size:128;uniqueIndex"` // 外部系统的稳定标识
	Role              string             `json:"role" gorm:"size:20;default:user"`
	MedicalConditions *string            `json:"medicalConditions" gorm:"type:text"`
	Allergies         *string            `json:"allergies" gorm:"type:text"`
	EmergencyContacts []EmergencyContact `json:"emergencyContacts" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	CreatedAt         time.Time          `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt         time.Time          `json:"updatedAt" gorm:"autoUpdateTime"`
}

// EmergencyContact 紧急联系人，按 Position 排序
type EmergencyContact struct {
	ID       uint   `json:"-" gorm:"primaryKey"`
	UserID   string `json:"-" gorm:"size:36;index"`
	Name     string `json:"name" gorm:"size:128"`
	Relation string `json:"relation" gorm:"size:64"`
	Phone    string `json:"phone" gorm:"size:64"`
	Position int    `json:"-"`
}

// UserSnapshot 事件推送与查询时附带的求助人信息
type UserSnapshot struct {
	Name              string             `json:"name"`
	Phone             string             `json:"phone"`
	Email             string             `json:"email"`
	MedicalConditions *string            `json:"medicalConditions"`
	Allergies         *string            `json:"allergies"`
	EmergencyContacts []EmergencyContact `json:"emergencyContacts,omitempty"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = constants.RoleUser
	}
	return nil
}

func (u *User) Snapshot() *UserSnapshot {
	if u == nil {
		return nil
	}
	return &UserSnapshot{
		Name:              u.Name,
		Phone:             u.Phone,
		Email:             u.Email,
		MedicalConditions: u.MedicalConditions,
		Allergies:         u.Allergies,
		EmergencyContacts: u.EmergencyContacts,
	}
}

func orderedContacts(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// CreateUser 创建用户及其紧急联系人
func CreateUser(db *gorm.DB, user *User) error {
	for i := range user.EmergencyContacts {
		user.EmergencyContacts[i].Position = i
	}
	return db.Create(user).Error
}

// GetUserByID 按主键查询
func GetUserByID(db *gorm.DB, id string) (*User, error) {
	var user User
	if err := db.Preload("EmergencyContacts", orderedContacts).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByExternalID 按外部标识查询
func GetUserByExternalID(db *gorm.DB, externalID string) (*User, error) {
	var user User
	if err := db.Preload("EmergencyContacts", orderedContacts).First(&user, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail 登录用
func GetUserByEmail(db *gorm.DB, email string) (*User, error) {
	var user User
	if err := db.Where("email = ?", email).Order("created_at ASC").First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserFields 只更新给定列，并刷新 updated_at
func UpdateUserFields(db *gorm.DB, user *User, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return db.Model(user).Updates(fields).Error
}

// ReplaceEmergencyContacts 整体替换联系人列表
func ReplaceEmergencyContacts(db *gorm.DB, userID string, contacts []EmergencyContact) error {
	if err := db.Where("user_id = ?", userID).Delete(&EmergencyContact{}).Error; err != nil {
		return err
	}
	if len(contacts) == 0 {
		return nil
	}
	rows := make([]EmergencyContact, len(contacts))
	for i, c := range contacts {
		rows[i] = EmergencyContact{UserID: userID, Name: c.Name, Relation: c.Relation, Phone: c.Phone, Position: i}
	}
	return db.Create(&rows).Error
}

// CountAdmins 管理员数量
func CountAdmins(db *gorm.DB) (int64, error) {
	var n int64
	err := db.Model(&User{}).Where("role = ?", constants.RoleAdmin).Count(&n).Error
	return n, err
}
