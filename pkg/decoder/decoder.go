// Package decoder turns raw MQTT payloads into readings.
//
// A payload is either a bare JSON number (`21.5`) or an object holding
// exactly one numeric "value" field (`{"value": 21.5}`). Everything else is
// malformed. Non-finite values are rejected so that every stored reading is
// a real number.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/slickwilli/sensorhub/models"
)

type Kind int

const (
	Malformed Kind = iota + 1
	OutOfRange
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case OutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed  = errors.New("malformed payload")
	ErrOutOfRange = errors.New("value out of range")
)

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Kind  Kind
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload on %q: %v", e.Kind, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrOutOfRange:
		return e.Kind == OutOfRange
	}
	return false
}

// nonFinite are the tokens lenient JSON encoders emit for IEEE specials.
var nonFinite = map[string]struct{}{
	"NaN":       {},
	"Infinity":  {},
	"+Infinity": {},
	"-Infinity": {},
}

const valueField = "value"

// errNonFinite marks a NaN or infinity token, bare or as the "value" member.
var errNonFinite = errors.New("non-finite value")

// Decode is DecodeAt stamped with the current time.
func Decode(topic string, payload []byte) (models.Reading, error) {
	return DecodeAt(topic, payload, time.Now())
}

// DecodeAt parses payload and returns a reading labelled with topic and
// timestamped with now, in UTC at second precision.
func DecodeAt(topic string, payload []byte, now time.Time) (models.Reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return models.Reading{}, &DecodeError{Kind: Malformed, Topic: topic, Err: errors.New("empty payload")}
	}

	num, err := parseNumber(trimmed)
	if err != nil {
		kind := Malformed
		if errors.Is(err, errNonFinite) {
			kind = OutOfRange
		}
		return models.Reading{}, &DecodeError{Kind: kind, Topic: topic, Err: err}
	}

	value, err := strconv.ParseFloat(num.String(), 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		if err == nil {
			err = fmt.Errorf("non-finite value %s", num)
		}
		return models.Reading{}, &DecodeError{Kind: OutOfRange, Topic: topic, Err: err}
	}

	return models.Reading{
		Sensor:    topic,
		Timestamp: now.UTC().Truncate(time.Second),
		Value:     value,
	}, nil
}

func parseNumber(data []byte) (json.Number, error) {
	if data[0] != '{' {
		return parseScalar(data)
	}
	return parseObject(data)
}

// parseObject walks the object token by token. Field names are matched
// exactly and only a single "value" member is allowed.
func parseObject(data []byte) (json.Number, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return "", err
	}
	key, err := dec.Token()
	if err != nil {
		return "", err
	}
	if delim, ok := key.(json.Delim); ok && delim == '}' {
		return "", errors.New(`object has no "value" field`)
	}
	if key != valueField {
		return "", fmt.Errorf("unexpected field %q", key)
	}
	if member, ok := nonFiniteMember(data[dec.InputOffset():]); ok {
		return "", fmt.Errorf("%w %s", errNonFinite, member)
	}

	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", err
	}
	next, err := dec.Token()
	if err != nil {
		return "", err
	}
	if next == valueField {
		return "", errors.New(`repeated "value" field`)
	}
	if delim, ok := next.(json.Delim); !ok || delim != '}' {
		return "", fmt.Errorf("unexpected field %q", next)
	}
	if err := expectEOF(dec); err != nil {
		return "", err
	}
	return parseScalar(raw)
}

// nonFiniteMember reports whether rest, the input after the "value" key,
// is `: <NaN or Infinity> }` with nothing after it.
func nonFiniteMember(rest []byte) (string, bool) {
	rest = bytes.TrimSpace(rest)
	if len(rest) == 0 || rest[0] != ':' || rest[len(rest)-1] != '}' {
		return "", false
	}
	member := string(bytes.TrimSpace(rest[1 : len(rest)-1]))
	_, ok := nonFinite[member]
	return member, ok
}

func parseScalar(data []byte) (json.Number, error) {
	if _, ok := nonFinite[string(data)]; ok {
		return "", fmt.Errorf("%w %s", errNonFinite, data)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	num, ok := tok.(json.Number)
	if !ok {
		return "", fmt.Errorf("expected a number, got %T", tok)
	}
	if err := expectEOF(dec); err != nil {
		return "", err
	}
	return num, nil
}

func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after value")
	}
	return nil
}
