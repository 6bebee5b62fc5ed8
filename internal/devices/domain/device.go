package devices

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidDeviceID is returned for blank or malformed ids.
var ErrInvalidDeviceID = errors.New("devices: invalid device id")

// Device is a registry device the operator chose to monitor.
type Device struct {
	ID           string    `json:"device_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NormalizeID trims an id and rejects values that cannot be a path segment.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/?# ") {
		return "", ErrInvalidDeviceID
	}
	return id, nil
}

// Repository persists the set of registered device ids.
// Add is idempotent and keeps the first registration time.
type Repository interface {
	Add(ctx context.Context, id string) (Device, error)
	Remove(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Device, error)
	Clear(ctx context.Context) error
}
