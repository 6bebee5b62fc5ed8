package onem2m

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type contentInstance struct {
	Content json.RawMessage `json:"con"`
	Labels  []string        `json:"lbl,omitempty"`
}

// content renders con as text. Registries return strings, numbers and
// occasionally nested objects.
func (ci contentInstance) content() (string, error) {
	return ContentString(ci.Content)
}

// ContentString renders a raw con value as text.
func ContentString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrNoContent
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

func decodeURIList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("onem2m: decode uri list: %w", err)
	}
	return list, nil
}

func decodeInstances(raw json.RawMessage) ([]contentInstance, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '{' {
		var one contentInstance
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		return []contentInstance{one}, nil
	}
	var list []contentInstance
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("onem2m: decode instances: %w", err)
	}
	return list, nil
}

// ChildNames extracts the distinct resource names directly below a
// category segment, in first-seen order. URIs may be absolute CSE paths
// ("TinyIoT/farm/Sensors/Temp/x1") or relative ("Sensors/Temp/x1").
func ChildNames(uris []string, segment string) []string {
	seen := make(map[string]struct{}, len(uris))
	names := make([]string, 0, len(uris))
	for _, uri := range uris {
		name := childName(uri, segment)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func childName(uri, segment string) string {
	parts := strings.Split(strings.Trim(uri, "/"), "/")
	for i, part := range parts {
		if strings.EqualFold(part, segment) && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}

// ResourceRef identifies a container addressed by a notification path.
type ResourceRef struct {
	DeviceID string
	Segment  string
	Remote   string
}

// ParseResourcePath resolves a target path to its resource name. The
// trailing "la" marker is skipped. DeviceID and Segment are only set
// when the path has the form .../<device>/<segment>/<remote>.
func ParseResourcePath(path string) (ResourceRef, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 0 && parts[len(parts)-1] == "la" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return ResourceRef{}, false
	}
	ref := ResourceRef{Remote: parts[len(parts)-1]}
	if len(parts) >= 3 {
		segment := parts[len(parts)-2]
		switch segment {
		case "Sensors", "Actuators", "Inference":
			ref.Segment = segment
			ref.DeviceID = parts[len(parts)-3]
		}
	}
	return ref, true
}

// LabelPayload is the structured document some devices put in lbl[0].
type LabelPayload struct {
	Timestamp string
	Labels    []string
}

// ParseLabelPayload decodes {"timestamp": ..., "data": {k: v, ...}}.
// Label order follows the document order of data.
func ParseLabelPayload(raw string) (LabelPayload, error) {
	var doc struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return LabelPayload{}, fmt.Errorf("onem2m: decode label payload: %w", err)
	}
	if len(doc.Data) == 0 {
		return LabelPayload{}, errors.New("onem2m: label payload without data")
	}
	var payload LabelPayload
	if len(doc.Timestamp) > 0 {
		ts, err := ContentString(doc.Timestamp)
		if err == nil {
			payload.Timestamp = ts
		}
	}
	labels, err := orderedValues(doc.Data)
	if err != nil {
		return LabelPayload{}, err
	}
	payload.Labels = labels
	return payload, nil
}

func orderedValues(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("onem2m: label data is not an object")
	}
	var values []string
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		text, err := ContentString(value)
		if err != nil {
			continue
		}
		values = append(values, text)
	}
	return values, nil
}

// ParseNumber parses a content value as a float.
func ParseNumber(value string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
