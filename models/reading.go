package models

import "time"

// TimeLayout is the UTC second-precision format readings are stored and served in.
const TimeLayout = "2006-01-02 15:04:05"

// Reading is one timestamped sensor measurement. Sensor is the topic the
// value arrived on and is empty for single-sensor deployments.
type Reading struct {
	Sensor    string
	Timestamp time.Time
	Value     float64
}

// FormatTime renders t in TimeLayout after converting it to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}
