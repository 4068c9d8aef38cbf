package storage

import (
	"time"
)

// Contact is the last known presence of a remote user. It is written whenever
// a presence update is received and survives the user going offline.
type Contact struct {
	UserID   string
	Status   string
	Activity string
	Device   string
	LastSeen time.Time
}

// UpsertContact stores or fully replaces the cached state for a user.
func (d *DB) UpsertContact(c Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO contacts (user_id, status, activity, device, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status    = excluded.status,
			activity  = excluded.activity,
			device    = CASE WHEN excluded.device = '' THEN contacts.device ELSE excluded.device END,
			last_seen = excluded.last_seen`,
		c.UserID, c.Status, c.Activity, c.Device, c.LastSeen.UnixNano(),
	)
	return err
}

// GetContact returns the last known state for a user, or false if unknown.
func (d *DB) GetContact(userID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Contact
	var lastSeen int64
	err := d.db.QueryRow(`
		SELECT user_id, status, activity, device, last_seen
		FROM contacts WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Status, &c.Activity, &c.Device, &lastSeen)
	if err != nil {
		return Contact{}, false
	}
	c.LastSeen = time.Unix(0, lastSeen).UTC()
	return c, true
}

// ListContacts returns all cached contacts, most recently seen first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, status, activity, device, last_seen
		FROM contacts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		var lastSeen int64
		if err := rows.Scan(&c.UserID, &c.Status, &c.Activity, &c.Device, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact forgets a user entirely.
func (d *DB) DeleteContact(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM contacts WHERE user_id = ?`, userID)
	return err
}
