// ABOUTME: Connection record types and backing-store key layout
// ABOUTME: One canonical record per user, a connection pointer, and a bounded history list

package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Status is the lifecycle state of a connection record.
type Status string

const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

// Record is the registry's view of one user's connection.
type Record struct {
	UserID         string         `json:"user_id"`
	ConnectionID   string         `json:"connection_id"`
	InstanceID     string         `json:"instance_id,omitempty"`
	Status         Status         `json:"status"`
	SessionPayload map[string]any `json:"session_payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
	DisconnectedAt *time.Time     `json:"disconnected_at,omitempty"`

	// Version is the backing-store version the record was read at.
	// Zero for records that were never persisted.
	Version int64 `json:"-"`

	// Degraded is set on records held only in this process.
	Degraded bool `json:"-"`
}

// Active reports whether the record is the live connection for its user.
func (r *Record) Active() bool {
	return r != nil && r.Status == StatusActive
}

// Clone returns a deep-enough copy: the payload map and timestamp pointer are copied.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.SessionPayload = maps.Clone(r.SessionPayload)
	if r.DisconnectedAt != nil {
		t := *r.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}

func (r *Record) markDisconnected(at time.Time) {
	r.Status = StatusDisconnected
	r.LastActivity = at
	r.DisconnectedAt = &at
}

func encodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte, version int64) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	r.Version = version
	return &r, nil
}

func sessionKey(userID string) string {
	return "session:" + userID
}

func activeKey(connectionID string) string {
	return "conn:active:" + connectionID
}

func historyKey(userID string) string {
	return "conn_history:" + userID
}
