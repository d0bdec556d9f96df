package services

import (
	"context"
	stderrors "errors"
	"strings"

	"TourGuard/internal/models"
	"TourGuard/pkg/auth"
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/middleware"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ContactInput 上报时附带的紧急联系人
type ContactInput struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Phone    string `json:"phone"`
}

// ExternalIdentity 外部系统的上报者信息，nil 字段表示未提供
type ExternalIdentity struct {
	ExternalID        string         `json:"externalId"`
	Name              *string        `json:"name,omitempty"`
	Phone             *string        `json:"phone,omitempty"`
	Email             *string        `json:"email,omitempty"`
	MedicalConditions *string        `json:"medicalConditions,omitempty"`
	Allergies         *string        `json:"allergies,omitempty"`
	EmergencyContacts []ContactInput `json:"emergencyContacts,omitempty"`
}

// IdentityRef 二选一：已知用户 ID 或外部身份
type IdentityRef struct {
	UserID   string
	External *ExternalIdentity
}

func (r IdentityRef) externalID() string {
	if r.External == nil {
		return ""
	}
	return strings.TrimSpace(r.External.ExternalID)
}

// Validate 必须且只能提供一种身份
func (r IdentityRef) Validate() error {
	hasID := strings.TrimSpace(r.UserID) != ""
	hasExt := r.externalID() != ""
	if hasID == hasExt {
		return errors.InvalidRequest("Provide either userId or user.externalId")
	}
	return nil
}

// ReporterKey 限流键
func (r IdentityRef) ReporterKey() string {
	return middleware.ReporterKey(r.UserID, r.externalID())
}

// IdentityResolver 把 SOS 上报解析为持久化的用户
type IdentityResolver struct {
	db              *gorm.DB
	placeholderHash string
}

// NewIdentityResolver 外部用户统一使用系统密码的哈希，启动时只计算一次
func NewIdentityResolver(db *gorm.DB, systemPassword string) (*IdentityResolver, error) {
	hash, err := auth.HashPassword(systemPassword)
	if err != nil {
		return nil, err
	}
	return &IdentityResolver{db: db, placeholderHash: hash}, nil
}

// Resolve 按 ID 查找；按外部标识则存在即合并更新、不存在即创建
func (r *IdentityResolver) Resolve(ctx context.Context, ref IdentityRef) (*models.User, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	db := r.db.WithContext(ctx)

	if userID := strings.TrimSpace(ref.UserID); userID != "" {
		user, err := models.GetUserByID(db, userID)
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("User not found for provided userId")
		}
		if err != nil {
			return nil, errors.Internal(err)
		}
		return user, nil
	}

	ext := *ref.External
	ext.ExternalID = ref.externalID()

	var user *models.User
	err := db.Transaction(func(tx *gorm.DB) error {
		existing, err := models.GetUserByExternalID(tx, ext.ExternalID)
		switch {
		case err == nil:
			user, err = r.merge(tx, existing, &ext)
			return err
		case stderrors.Is(err, gorm.ErrRecordNotFound):
			user, err = r.insert(tx, &ext)
			return err
		default:
			return err
		}
	})
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		logger.Warn("external user created concurrently", zap.String("externalId", ext.ExternalID))
		return nil, errors.Conflict("User with this externalId already exists, please retry")
	}
	if err != nil {
		return nil, errors.Internal(err)
	}
	return user, nil
}

func (r *IdentityResolver) merge(tx *gorm.DB, user *models.User, ext *ExternalIdentity) (*models.User, error) {
	fields := map[string]interface{}{}
	if v := nonEmpty(ext.Name); v != "" {
		fields["name"] = v
	}
	if v := nonEmpty(ext.Phone); v != "" {
		fields["phone"] = v
	}
	if v := nonEmpty(ext.Email); v != "" {
		fields["email"] = v
	}
	if ext.MedicalConditions != nil {
		fields["medical_conditions"] = *ext.MedicalConditions
	}
	if ext.Allergies != nil {
		fields["allergies"] = *ext.Allergies
	}
	if err := models.UpdateUserFields(tx, user, fields); err != nil {
		return nil, err
	}
	// 空列表视为未提供，保留已有联系人
	if len(ext.EmergencyContacts) > 0 {
		if err := models.ReplaceEmergencyContacts(tx, user.ID, toContacts(ext.EmergencyContacts)); err != nil {
			return nil, err
		}
	}
	return models.GetUserByID(tx, user.ID)
}

func (r *IdentityResolver) insert(tx *gorm.DB, ext *ExternalIdentity) (*models.User, error) {
	externalID := ext.ExternalID
	user := &models.User{
		Name:              firstNonEmpty(nonEmpty(ext.Name), constants.ExternalUserName),
		Phone:             firstNonEmpty(nonEmpty(ext.Phone), constants.ExternalUserPhonePrefix+externalID),
		Email:             firstNonEmpty(nonEmpty(ext.Email), externalID+"@"+constants.ExternalUserEmailDomain),
		PasswordHash:      r.placeholderHash,
		ExternalID:        &externalID,
		Role:              constants.RoleUser,
		MedicalConditions: emptyToNil(ext.MedicalConditions),
		Allergies:         emptyToNil(ext.Allergies),
		EmergencyContacts: toContacts(ext.EmergencyContacts),
	}
	if err := models.CreateUser(tx, user); err != nil {
		return nil, err
	}
	logger.Info("external reporter registered", zap.String("userId", user.ID), zap.String("externalId", externalID))
	return user, nil
}

func toContacts(in []ContactInput) []models.EmergencyContact {
	out := make([]models.EmergencyContact, 0, len(in))
	for _, c := range in {
		out = append(out, models.EmergencyContact{Name: c.Name, Relation: c.Relation, Phone: c.Phone})
	}
	return out
}

func nonEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func emptyToNil(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
