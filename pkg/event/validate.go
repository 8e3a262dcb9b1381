package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValidationError describes why a single event was rejected.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks one event against the schema rules. It is a pure
// function: no enrichment happens here. futureTolerance bounds how far
// ahead of now a client timestamp may lie.
func Validate(e *LogEvent, now time.Time, futureTolerance time.Duration) []ValidationError {
	var errs []ValidationError
	add := func(field, reason string) {
		errs = append(errs, ValidationError{Field: field, Reason: reason})
	}

	if e.Timestamp.IsZero() {
		add("timestamp", "is required")
	} else if e.Timestamp.After(now.Add(futureTolerance)) {
		add("timestamp", fmt.Sprintf("more than %s in the future", futureTolerance))
	}

	if e.Level == "" {
		add("level", "is required")
	} else if !e.Level.Valid() {
		add("level", fmt.Sprintf("unknown level %q", e.Level))
	}

	if e.LogType == "" {
		add("log_type", "is required")
	} else if !e.LogType.Valid() {
		add("log_type", fmt.Sprintf("unknown log_type %q", e.LogType))
	}

	if e.Importance != "" && !e.Importance.Valid() {
		add("importance", fmt.Sprintf("unknown importance %q", e.Importance))
	}

	if e.Message == "" {
		add("message", "is required")
	} else if len(e.Message) > MaxMessageBytes {
		add("message", fmt.Sprintf("exceeds %d bytes", MaxMessageBytes))
	}

	if len(e.ErrorMessage) > MaxErrorMessageBytes {
		add("error_message", fmt.Sprintf("exceeds %d bytes", MaxErrorMessageBytes))
	}
	if len(e.StackTrace) > MaxStackTraceBytes {
		add("stack_trace", fmt.Sprintf("exceeds %d bytes", MaxStackTraceBytes))
	}

	if e.Attributes != nil {
		raw, err := json.Marshal(e.Attributes)
		if err != nil {
			add("attributes", "not serialisable")
		} else if len(raw) > MaxAttributesBytes {
			add("attributes", fmt.Sprintf("exceeds %d bytes", MaxAttributesBytes))
		}
	}

	switch e.LogType {
	case TypeException:
		if e.ErrorType == "" {
			add("error_type", "required for exception events")
		}
		if e.ErrorMessage == "" {
			add("error_message", "required for exception events")
		}
	case TypeEndpoint:
		errs = append(errs, validateEndpointAttributes(e.Attributes)...)
	}

	return errs
}

// validateEndpointAttributes checks the endpoint blob required for
// endpoint-type events: {method, path, status_code, duration_ms}.
func validateEndpointAttributes(attrs map[string]any) []ValidationError {
	ep, ok := attrs["endpoint"].(map[string]any)
	if !ok {
		return []ValidationError{{Field: "attributes.endpoint", Reason: "required for endpoint events"}}
	}

	var errs []ValidationError
	if s, _ := ep["method"].(string); s == "" {
		errs = append(errs, ValidationError{Field: "attributes.endpoint.method", Reason: "is required"})
	}
	if s, _ := ep["path"].(string); s == "" {
		errs = append(errs, ValidationError{Field: "attributes.endpoint.path", Reason: "is required"})
	}
	if !isNumber(ep["status_code"]) {
		errs = append(errs, ValidationError{Field: "attributes.endpoint.status_code", Reason: "must be a number"})
	}
	if !isNumber(ep["duration_ms"]) {
		errs = append(errs, ValidationError{Field: "attributes.endpoint.duration_ms", Reason: "must be a number"})
	}
	return errs
}

// isNumber accepts the numeric shapes JSON and msgpack decoding produce.
func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}
