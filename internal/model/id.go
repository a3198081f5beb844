package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type idKind uint8

const (
	kindConfirmed idKind = iota
	kindPending
)

// MessageID identifies a message. A Pending id is a local placeholder minted
// at send time; a Confirmed id was assigned by the server.
type MessageID struct {
	kind  idKind
	value string
}

// Pending wraps a locally generated placeholder id.
func Pending(localID string) MessageID {
	return MessageID{kind: kindPending, value: localID}
}

// NewPending mints a fresh placeholder id.
func NewPending() MessageID {
	return Pending(uuid.NewString())
}

// Confirmed wraps a server-assigned id.
func Confirmed(serverID string) MessageID {
	return MessageID{kind: kindConfirmed, value: serverID}
}

// IsPending reports whether the id is a local placeholder.
func (id MessageID) IsPending() bool {
	return id.kind == kindPending
}

// Value returns the raw id without its variant tag.
func (id MessageID) Value() string {
	return id.value
}

// IsZero reports whether no id is set.
func (id MessageID) IsZero() bool {
	return id.value == ""
}

func (id MessageID) String() string {
	if id.kind == kindPending {
		return "pending:" + id.value
	}
	return id.value
}

// MarshalJSON encodes confirmed ids as plain strings. Pending ids never
// leave the process.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.kind == kindPending {
		return nil, fmt.Errorf("pending message id %q cannot be serialized", id.value)
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a server id.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = Confirmed(s)
	return nil
}
