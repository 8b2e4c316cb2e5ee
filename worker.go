package outboxsync

import "github.com/google/uuid"

// randomOwnerID generates an identifier recorded in the processing session.
func randomOwnerID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return "engine-unknown"
	}
	return "engine-" + id.String()[:8]
}
