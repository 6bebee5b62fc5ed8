package onem2m

import (
	"context"
	"errors"
	"strings"
)

// Device is the summary of a device AE.
type Device struct {
	ID       string   `json:"id"`
	Location string   `json:"location,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// ListDevices returns the AEs registered directly below the CSE base.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	uris, err := c.Discover(ctx, c.cse, TypeAE)
	if err != nil {
		return nil, err
	}
	prefix := c.cse + "/"
	seen := make(map[string]struct{}, len(uris))
	var ids []string
	for _, uri := range uris {
		uri = strings.Trim(uri, "/")
		if !strings.HasPrefix(uri, prefix) || strings.Count(uri, "/") != 1 {
			continue
		}
		id := strings.TrimPrefix(uri, prefix)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Device fetches one AE and its location label.
func (c *Client) Device(ctx context.Context, deviceID string) (Device, error) {
	if deviceID == "" {
		return Device{}, errors.New("onem2m: empty device id")
	}
	var body struct {
		AE *struct {
			Name   string   `json:"rn"`
			Labels []string `json:"lbl"`
		} `json:"m2m:ae"`
	}
	if err := c.getJSON(ctx, c.DevicePath(deviceID), &body); err != nil {
		return Device{}, err
	}
	if body.AE == nil || body.AE.Name == "" {
		return Device{}, ErrNoContent
	}
	device := Device{ID: body.AE.Name, Labels: body.AE.Labels}
	for _, label := range body.AE.Labels {
		if strings.HasPrefix(label, "location:") {
			device.Location = strings.TrimSpace(strings.TrimPrefix(label, "location:"))
			break
		}
	}
	return device, nil
}

// SeedValue returns the initial content written when a container is provisioned.
func SeedValue(segment, name string) string {
	if segment != "Actuators" {
		return "0"
	}
	switch strings.ToLower(name) {
	case "door":
		return "Closed"
	case "led":
		return "0"
	default:
		return "OFF"
	}
}

// Provision creates a container per name below a device category and
// seeds it with an initial value. Existing containers are kept.
func (c *Client) Provision(ctx context.Context, deviceID, segment string, names []string) error {
	if deviceID == "" || segment == "" {
		return errors.New("onem2m: invalid provision target")
	}
	parent := c.CategoryPath(deviceID, segment)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := c.CreateContainer(ctx, parent, name); err != nil {
			return err
		}
		if err := c.CreateContentInstance(ctx, parent+"/"+name, SeedValue(segment, name)); err != nil {
			return err
		}
	}
	return nil
}
