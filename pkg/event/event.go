package event

import (
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log event.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Type classifies the source of a log event.
type Type string

const (
	TypeConsole   Type = "console"
	TypeLogger    Type = "logger"
	TypeException Type = "exception"
	TypeNetwork   Type = "network"
	TypeDatabase  Type = "database"
	TypeEndpoint  Type = "endpoint"
	TypeCustom    Type = "custom"
)

// Valid reports whether t is a known log type.
func (t Type) Valid() bool {
	switch t {
	case TypeConsole, TypeLogger, TypeException, TypeNetwork, TypeDatabase, TypeEndpoint, TypeCustom:
		return true
	}
	return false
}

// Importance is the client-declared weight of an event.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceStandard Importance = "standard"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// Valid reports whether i is a known importance.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceStandard, ImportanceHigh, ImportanceCritical:
		return true
	}
	return false
}

// Field size ceilings. Oversize events are rejected, never truncated.
const (
	MaxMessageBytes      = 10 * 1024
	MaxErrorMessageBytes = 5 * 1024
	MaxStackTraceBytes   = 50 * 1024
	MaxAttributesBytes   = 100 * 1024
)

// LogEvent is one structured log record. Events are immutable once
// ingested; the ID is assigned at persist time.
type LogEvent struct {
	ID               uuid.UUID      `json:"id,omitempty" msgpack:"-"`
	ProjectID        uuid.UUID      `json:"project_id" msgpack:"project_id"`
	Timestamp        time.Time      `json:"timestamp" msgpack:"timestamp"`
	IngestedAt       time.Time      `json:"ingested_at" msgpack:"ingested_at"`
	Level            Level          `json:"level" msgpack:"level"`
	LogType          Type           `json:"log_type" msgpack:"log_type"`
	Importance       Importance     `json:"importance" msgpack:"importance"`
	Environment      string         `json:"environment,omitempty" msgpack:"environment"`
	Release          string         `json:"release,omitempty" msgpack:"release"`
	Message          string         `json:"message" msgpack:"message"`
	ErrorType        string         `json:"error_type,omitempty" msgpack:"error_type"`
	ErrorMessage     string         `json:"error_message,omitempty" msgpack:"error_message"`
	StackTrace       string         `json:"stack_trace,omitempty" msgpack:"stack_trace"`
	Attributes       map[string]any `json:"attributes,omitempty" msgpack:"attributes"`
	SDKVersion       string         `json:"sdk_version,omitempty" msgpack:"sdk_version"`
	Platform         string         `json:"platform,omitempty" msgpack:"platform"`
	PlatformVersion  string         `json:"platform_version,omitempty" msgpack:"platform_version"`
	ProcessingTimeMS float64        `json:"processing_time_ms,omitempty" msgpack:"processing_time_ms"`
	ErrorFingerprint string         `json:"error_fingerprint,omitempty" msgpack:"error_fingerprint"`
}

// IsError reports whether the event should fan out to error notifications.
func (e *LogEvent) IsError() bool {
	return e.Level == LevelError || e.Level == LevelCritical
}

// Notification is the compact record published to the per-project error
// channel on ingest of an error-level event.
type Notification struct {
	ProjectID    uuid.UUID `json:"project_id" msgpack:"project_id"`
	Fingerprint  string    `json:"fingerprint" msgpack:"fingerprint"`
	ErrorType    string    `json:"error_type" msgpack:"error_type"`
	ErrorMessage string    `json:"error_message" msgpack:"error_message"`
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
}
