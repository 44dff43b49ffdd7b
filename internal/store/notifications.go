// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

// CreateNotification records a notification produced by an invitation
// or a group file upload (spec.md §3/§4.9).
func (s *State) CreateNotification(userID uint, kind NotificationKind, referenceID uint, groupID *uint, message string) error {
	n := Notification{
		UserID:      userID,
		Kind:        kind,
		ReferenceID: referenceID,
		GroupID:     groupID,
		Message:     message,
	}
	return s.DB.Create(&n).Error
}

// CountUnread returns the number of unread notifications for userID,
// backing the NOTIFICATION_COUNT opcode's peek-without-marking-read
// semantics (spec.md §"supplemented features" item 3).
func (s *State) CountUnread(userID uint) (int64, error) {
	var count int64
	err := s.DB.Model(&Notification{}).Where("user_id = ? AND read = ?", userID, false).Count(&count).Error
	return count, err
}

// CountUnreadByKind returns the unread notification counts broken
// out per kind, the shape NOTIFICATION_COUNT reports.
func (s *State) CountUnreadByKind(userID uint) (map[NotificationKind]int64, error) {
	type row struct {
		Kind  NotificationKind
		Count int64
	}
	var rows []row
	err := s.DB.Model(&Notification{}).
		Select("kind, count(*) as count").
		Where("user_id = ? AND read = ?", userID, false).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[NotificationKind]int64, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.Count
	}
	return out, nil
}

// MarkRead flips matching notifications to read. kind and groupID are
// optional filters mirroring NOTIFICATION_READ's {type, group_id?}
// request fields; nil means "no filter on this field".
func (s *State) MarkRead(userID uint, kind *NotificationKind, groupID *uint) error {
	q := s.DB.Model(&Notification{}).Where("user_id = ?", userID)
	if kind != nil {
		q = q.Where("kind = ?", *kind)
	}
	if groupID != nil {
		q = q.Where("group_id = ?", *groupID)
	}
	return q.Update("read", true).Error
}
