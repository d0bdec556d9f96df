package services

import (
	"context"

	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/middleware"
	"TourGuard/pkg/websocket"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DeviceHandlers 设备通道的上行消息处理器，sos:trigger 与 POST /sos 走同一条准入与创建流程
func (s *SOSService) DeviceHandlers(limiter *middleware.RateLimiter) map[string]websocket.MessageHandler {
	return map[string]websocket.MessageHandler{
		constants.TopicSOSTrigger: func(ctx context.Context, conn *websocket.Connection, data []byte) *websocket.Message {
			var req CreateSOSRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return websocket.ErrorReply(websocket.ErrInvalidMessageData, nil)
			}

			key := req.Identity().ReporterKey()
			if key == "" {
				return websocket.ErrorReply("Provide either userId or user.externalId", nil)
			}
			if limiter != nil {
				d, err := limiter.Admit(ctx, key)
				if err != nil {
					logger.Warn("rate limiter unavailable, admitting device trigger", zap.String("key", key), zap.Error(err))
				} else if !d.Allowed {
					rl := errors.RateLimited(d.RetryAfter)
					return websocket.ErrorReply(rl.Message, map[string]interface{}{"retryAfter": rl.RetryAfter})
				}
			}

			view, err := s.Create(ctx, &req, ChannelWebSocket)
			if err != nil {
				e, ok := errors.As(err)
				if !ok {
					e = errors.Internal(err)
				}
				if e.HTTPStatus() >= 500 {
					logger.Error("device sos trigger failed", zap.String("conn", conn.ID), zap.Error(errors.Cause(err)))
				}
				return websocket.ErrorReply(e.Message, nil)
			}
			return &websocket.Message{Type: constants.TopicSOSAck, Data: view}
		},
	}
}
