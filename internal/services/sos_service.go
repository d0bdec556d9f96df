package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"TourGuard/internal/models"
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/util"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SOS 事件的接入渠道
const (
	ChannelHTTP      = "http"
	ChannelWebSocket = "websocket"
)

// Broadcaster 实时推送，*websocket.Hub 即满足
type Broadcaster interface {
	Publish(group, topic string, payload interface{}) error
}

// SOSMetrics 业务指标，*metrics.Metrics 即满足
type SOSMetrics interface {
	RecordSOSCreated(channel string)
	RecordTransition(from, to string)
	RecordAuditFailure()
	SetPending(n int64)
}

// CreateSOSRequest POST /sos 与设备通道 sos:trigger 共用的请求体
type CreateSOSRequest struct {
	UserID    string            `json:"userId"`
	User      *ExternalIdentity `json:"user"`
	Latitude  *float64          `json:"latitude"`
	Longitude *float64          `json:"longitude"`
	Accuracy  *float64          `json:"accuracy"`
	Message   *string           `json:"message"`
	Timestamp string            `json:"timestamp"`
}

func (r *CreateSOSRequest) Identity() IdentityRef {
	return IdentityRef{UserID: r.UserID, External: r.User}
}

// Validate 坐标、精度与身份校验，均在写库之前完成
func (r *CreateSOSRequest) Validate() error {
	if r.Latitude == nil {
		return errors.InvalidRequest("Latitude is required")
	}
	if r.Longitude == nil {
		return errors.InvalidRequest("Longitude is required")
	}
	if *r.Latitude < -90 || *r.Latitude > 90 {
		return errors.InvalidRequest("Latitude must be between -90 and 90")
	}
	if *r.Longitude < -180 || *r.Longitude > 180 {
		return errors.InvalidRequest("Longitude must be between -180 and 180")
	}
	if r.Accuracy != nil && *r.Accuracy < 0 {
		return errors.InvalidRequest("Accuracy must be a non-negative number of meters")
	}
	return r.Identity().Validate()
}

// createdAt 客户端时间可解析时采用，否则使用服务器时间
func (r *CreateSOSRequest) createdAt(now time.Time) time.Time {
	if r.Timestamp == "" {
		return now
	}
	t, err := util.ParseISO8601(r.Timestamp)
	if err != nil {
		logger.Debug("ignore unparsable client timestamp", zap.String("timestamp", r.Timestamp))
		return now
	}
	return t
}

// SOSService 串联身份解析、事件存储、审计与推送
type SOSService struct {
	db          *gorm.DB
	identity    *IdentityResolver
	broadcaster Broadcaster
	metrics     SOSMetrics
	now         func() time.Time
}

func NewSOSService(db *gorm.DB, identity *IdentityResolver, broadcaster Broadcaster, m SOSMetrics) *SOSService {
	return &SOSService{
		db:          db,
		identity:    identity,
		broadcaster: broadcaster,
		metrics:     m,
		now:         time.Now,
	}
}

// Create 新建 pending 事件并推送 sos:new
func (s *SOSService) Create(ctx context.Context, req *CreateSOSRequest, channel string) (*models.SOSEventView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	owner, err := s.identity.Resolve(ctx, req.Identity())
	if err != nil {
		return nil, err
	}

	event := &models.SOSEvent{
		UserID:         owner.ID,
		Latitude:       *req.Latitude,
		Longitude:      *req.Longitude,
		AccuracyMeters: req.Accuracy,
		Message:        req.Message,
		CreatedAt:      req.createdAt(s.now()),
	}
	if err := models.CreateSOSEvent(s.db.WithContext(ctx), event); err != nil {
		return nil, errors.Internal(err)
	}
	event.User = owner

	logger.Info("sos event created",
		zap.String("id", event.ID),
		zap.String("userId", owner.ID),
		zap.String("channel", channel))
	if s.metrics != nil {
		s.metrics.RecordSOSCreated(channel)
	}

	view := event.View()
	s.notify(constants.TopicSOSNew, view)
	return view, nil
}

// Get 单个事件，附带求助人当前信息
func (s *SOSService) Get(ctx context.Context, id string) (*models.SOSEventView, error) {
	event, err := models.GetSOSEvent(s.db.WithContext(ctx), id)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("SOS event not found")
	}
	if err != nil {
		return nil, errors.Internal(err)
	}
	return event.View(), nil
}

// List 按创建时间倒序
func (s *SOSService) List(ctx context.Context, filter models.SOSFilter) ([]*models.SOSEventView, error) {
	if filter.Status != "" && !models.ValidSOSStatus(filter.Status) {
		return nil, errors.InvalidRequest("Invalid status filter")
	}
	events, err := models.ListSOSEvents(s.db.WithContext(ctx), filter)
	if err != nil {
		return nil, errors.Internal(err)
	}
	views := make([]*models.SOSEventView, 0, len(events))
	for i := range events {
		views = append(views, events[i].View())
	}
	return views, nil
}

// UpdateStatus 状态流转，每次成功调用写一条审计记录并推送 sos:update。
// 审计写入失败不影响已提交的状态。
func (s *SOSService) UpdateStatus(ctx context.Context, id, status string, actor Actor) (*models.SOSEventView, error) {
	db := s.db.WithContext(ctx)
	now := s.now()

	tr, err := models.UpdateSOSStatus(db, id, status, now)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("SOS event not found")
	}
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Internal(err)
	}

	if _, err := models.AppendStatusChange(db, actor.ID, id, models.StatusChangePayload{
		PreviousStatus: tr.Previous,
		NewStatus:      status,
		AdminName:      actor.Name,
		Timestamp:      now.UTC(),
	}); err != nil {
		logger.Error("audit log write failed after status change",
			zap.String("sosEventId", id),
			zap.String("from", tr.Previous),
			zap.String("to", status),
			zap.String("adminId", actor.ID),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordAuditFailure()
		}
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(tr.Previous, status)
	}

	event, err := models.GetSOSEvent(db, id)
	if err != nil {
		logger.Warn("reload sos owner failed", zap.String("id", id), zap.Error(err))
		event = tr.Event
	}
	view := event.View()
	s.notify(constants.TopicSOSUpdate, view)
	return view, nil
}

// RefreshPending 刷新待处理数量指标
func (s *SOSService) RefreshPending(ctx context.Context) error {
	n, err := models.CountSOSByStatus(s.db.WithContext(ctx), models.SOSStatusPending)
	if err != nil {
		return fmt.Errorf("count pending sos: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetPending(n)
	}
	return nil
}

// notify 推送失败只记录日志
func (s *SOSService) notify(topic string, view *models.SOSEventView) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(constants.AdminGroup, topic, view); err != nil {
		logger.Warn("broadcast failed", zap.String("topic", topic), zap.String("id", view.ID), zap.Error(err))
	}
}
