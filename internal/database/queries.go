package database

const (
	SelectNotificationExistsQuery = `SELECT 1 FROM notifications WHERE id = ?`

	InsertNotificationQuery = `
		INSERT INTO notifications (id, type, title, body, link, is_read, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	// read is monotonic: a remote unread flag never clears a local read
	UpdateNotificationReadQuery = `
		UPDATE notifications SET is_read = MAX(is_read, ?) WHERE id = ?
	`

	SelectNotificationsQuery = `
		SELECT id, type, title, body, link, is_read, created_at
		FROM notifications
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	MarkNotificationReadQuery = `UPDATE notifications SET is_read = 1 WHERE id = ?`

	DeleteNotificationQuery = `DELETE FROM notifications WHERE id = ?`

	DeleteAllNotificationsQuery = `DELETE FROM notifications`

	CountUnreadNotificationsQuery = `SELECT COUNT(*) FROM notifications WHERE is_read = 0`

	DeleteOldNotificationsQuery = `DELETE FROM notifications WHERE created_at < ?`
)
