package app

import (
	"context"
	"time"
)

// ListNotifications returns the caller's most recent in-app notifications.
func (s *Service) ListNotifications(ctx context.Context, sess Session, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	notifications, err := s.store.ListNotifications(ctx, sess.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, map[string]any{
			"id":        n.ID,
			"requestId": n.RequestID,
			"type":      n.Type,
			"title":     n.Title,
			"body":      n.Body,
			"readAt":    nilIfZero(n.ReadAt),
			"createdAt": n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// MarkNotificationRead marks one of the caller's notifications as read.
// Marking an already-read notification is a no-op.
func (s *Service) MarkNotificationRead(ctx context.Context, sess Session, notificationID string) error {
	return s.store.MarkNotificationRead(ctx, notificationID, sess.UserID)
}

// ListDepartmentsView is the public department directory used by the filing
// form and marketplace filters.
func (s *Service) ListDepartmentsView(ctx context.Context) ([]map[string]any, error) {
	departments, err := s.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(departments))
	for _, d := range departments {
		items = append(items, map[string]any{
			"id":       d.ID,
			"name":     d.Name,
			"slaHours": d.SLAHours,
		})
	}
	return items, nil
}
