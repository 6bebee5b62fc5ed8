package resources

import (
	"strings"
	"time"
)

// DefaultSensorInterval applies to sensors with no known kind.
const DefaultSensorInterval = 60 * time.Second

type canonRule struct {
	match  string
	prefix bool
	name   string
}

// Order matters: the first matching rule wins.
var canonRules = []canonRule{
	{match: "temperature", name: "Temperature"},
	{match: "temp", prefix: true, name: "Temperature"},
	{match: "humid", prefix: true, name: "Humidity"},
	{match: "co2", name: "CO2"},
	{match: "soil", name: "Soil"},
	{match: "led", name: "LED"},
	{match: "fan", prefix: true, name: "Fan"},
	{match: "water", name: "Water"},
	{match: "door", name: "Door"},
	{match: "gps", name: "GPS"},
	{match: "health", prefix: true, name: "Health"},
}

// Canonical maps a remote resource name to its display kind.
// Matching is case-insensitive; unknown names are upper-cased.
func Canonical(remote string) string {
	trimmed := strings.TrimSpace(remote)
	lower := strings.ToLower(trimmed)
	for _, rule := range canonRules {
		if rule.prefix && strings.HasPrefix(lower, rule.match) {
			return rule.name
		}
		if !rule.prefix && lower == rule.match {
			return rule.name
		}
	}
	return strings.ToUpper(trimmed)
}

var kindIntervals = map[string]time.Duration{
	"Temperature": 30 * time.Second,
	"Humidity":    30 * time.Second,
	"CO2":         60 * time.Second,
	"Soil":        120 * time.Second,
}

// IntervalFor returns the default polling interval for a canonical kind.
func IntervalFor(canonical string, overrides map[string]time.Duration) time.Duration {
	if d, ok := overrides[canonical]; ok && d > 0 {
		return d
	}
	if d, ok := kindIntervals[canonical]; ok {
		return d
	}
	return DefaultSensorInterval
}

// IsHealth reports whether a remote names the health inference resource.
func IsHealth(remote string) bool {
	return Canonical(remote) == "Health"
}
