// Package notify persists user notifications and mirrors them to live
// dashboard connections. Delivery is best effort; a failed write never
// blocks the trading path.
package notify

import (
	"context"

	"go.uber.org/zap"

	"gridcore/pkg/hub"
)

// Inserter is the slice of the store the service needs.
type Inserter interface {
	InsertNotification(ctx context.Context, userID int64, level, title, message string) error
}

type Service struct {
	store Inserter
	hub   *hub.Hub
	log   *zap.Logger
}

func NewService(store Inserter, h *hub.Hub, log *zap.Logger) *Service {
	return &Service{store: store, hub: h, log: log.Named("notify")}
}

// Send stores the notification and pushes it to the user's sockets.
func (s *Service) Send(ctx context.Context, userID int64, level, title, message string) {
	if s.store != nil {
		if err := s.store.InsertNotification(ctx, userID, level, title, message); err != nil {
			s.log.Warn("notification persist failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	if s.hub != nil {
		s.hub.Push(userID, hub.Message{
			Type: "NOTIFICATION",
			Data: map[string]any{
				"level":   level,
				"title":   title,
				"message": message,
			},
		})
	}
}

// UserNotifier binds the service to one user for the strategy layer.
type UserNotifier struct {
	svc    *Service
	userID int64
}

func (s *Service) For(userID int64) *UserNotifier {
	return &UserNotifier{svc: s, userID: userID}
}

func (n *UserNotifier) Notify(ctx context.Context, level, title, message string) {
	n.svc.Send(ctx, n.userID, level, title, message)
}
