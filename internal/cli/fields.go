package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imarsiglia/outboxsync"
)

// parseFields turns key=value pairs into a Body, keeping their order.
// Values that parse as a JSON scalar keep that type; anything else is a
// string, so qty=2 is a number and name=Chair a string.
func parseFields(pairs []string) (outboxsync.Body, error) {
	var body outboxsync.Body
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return outboxsync.Body{}, fmt.Errorf("invalid field %q: want key=value", pair)
		}
		body.Set(key, parseValue(raw))
	}
	return body, nil
}

func parseValue(raw string) outboxsync.Value {
	var v outboxsync.Value
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return outboxsync.String(raw)
}
