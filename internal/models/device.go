package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Device is a price-tag display as recorded by the location registry.
type Device struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	IP         string `json:"ip"`
	// Photo and Video reference media queued by an operator: a registry
	// filename, or inline base64 on records written by older backends.
	Photo     string `json:"photo"`
	Video     string `json:"video"`
	Changed   Flag   `json:"changed"`
	Thumbnail string `json:"thumbnail"`
	IsOnline  Flag   `json:"isOnline"`
}

// UnmarshalJSON accepts the registry's "_id" as well as "id".
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Device(aux.plain)
	if d.ID == "" {
		d.ID = aux.MongoID
	}
	return nil
}

// HasPendingMedia reports whether the operator queued media on the record.
func (d *Device) HasPendingMedia() bool {
	return d.Photo != "" || d.Video != ""
}

// Flag is a boolean the registry stores either as a JSON bool or as the
// strings "true" / "false".
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = false
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a bool or string: %s", data)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		*f = true
	case "false", "0", "no", "":
		*f = false
	default:
		return fmt.Errorf("unrecognised flag value %q", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}
