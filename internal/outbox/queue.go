package outbox

import "time"

// Entry is one message awaiting delivery. The sender profile is captured
// at queue time so the replayed frame is identical to the one an online
// send would have carried.
type Entry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	PeerID         string
	Body           string
	MsgTime        string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Status         string
	ErrorMessage   string
}

// Enqueue adds a message to the outbox. The client message id is unique,
// so re-queueing the same optimistic send is rejected by the schema rather
// than duplicated.
func (db *DB) Enqueue(e Entry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, peer_id, body, msg_time, sender_id, sender_name, sender_avatar, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ConversationID, e.PeerID, e.Body, e.MsgTime, e.SenderID, e.SenderName, e.SenderAvatar, now, now)
	return err
}

// Pending returns queued entries in enqueue order.
func (db *DB) Pending() ([]Entry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, peer_id, body, msg_time, sender_id, sender_name, sender_avatar, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.PeerID, &e.Body, &e.MsgTime, &e.SenderID, &e.SenderName, &e.SenderAvatar, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSending updates an entry to 'sending' status.
func (db *DB) MarkSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkSent updates an entry to 'sent' status.
func (db *DB) MarkSent(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// Requeue moves an entry back to 'queued', used when the transport dropped
// mid-drain.
func (db *DB) Requeue(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RequeueStalled returns entries stuck in 'sending' to 'queued'. Run at
// startup: a crash between MarkSending and MarkSent leaves the entry
// stalled, and the unique client id makes the retry safe server-side.
func (db *DB) RequeueStalled(olderThan time.Duration) (int64, error) {
	now := time.Now().UnixMilli()
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending' AND updated_at < ?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
