// Package recorder turns dose commands consumed from Redpanda into taken
// events, once per command.
package recorder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-dose/internal/domain/schedule"
	"github.com/drfirst/go-dose/pkg/idempotency"
)

// ErrInvalidCommand is returned for a command that can never be applied
var ErrInvalidCommand = errors.New("invalid dose command")

// DoseCommand reports that a dose was taken. TakenAt accepts every stored
// timestamp shape; it may be omitted only when CommandID is set, in which
// case the time of processing is used.
type DoseCommand struct {
	CommandID  string    `json:"command_id,omitempty"`
	MedicineID string    `json:"medicine_id"`
	TakenAt    time.Time `json:"taken_at"`
}

type wireCommand struct {
	CommandID  string          `json:"command_id"`
	MedicineID string          `json:"medicine_id"`
	TakenAt    json.RawMessage `json:"taken_at"`
}

// Decode parses and validates a command
func Decode(value []byte) (*DoseCommand, error) {
	var w wireCommand
	if err := json.Unmarshal(value, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if w.MedicineID == "" {
		return nil, fmt.Errorf("%w: missing medicine_id", ErrInvalidCommand)
	}

	cmd := &DoseCommand{CommandID: w.CommandID, MedicineID: w.MedicineID}
	raw := bytes.TrimSpace(w.TakenAt)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if cmd.CommandID == "" {
			return nil, fmt.Errorf("%w: taken_at required without command_id", ErrInvalidCommand)
		}
		return cmd, nil
	}

	at, err := schedule.ParseInstant(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd.TakenAt = at
	return cmd, nil
}

// Key is the idempotency key for the command
func (c *DoseCommand) Key() string {
	if c.CommandID != "" {
		return "cmd:" + c.CommandID
	}
	return idempotency.DoseKey(c.MedicineID, c.TakenAt)
}
