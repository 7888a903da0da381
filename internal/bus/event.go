package bus

import "time"

// Event is a domain event published on the bus. Payload carries a typed
// value owned by the publishing package (socket, sync, status).
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
