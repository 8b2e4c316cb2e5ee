package database

import (
	"strings"

	"github.com/google/uuid"
)

// TablePrefix returns a table prefix unique to the calling test so shared
// database servers never see rows from earlier runs.
func TablePrefix() string {
	return "outbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
