// Package model defines the core domain types for kiai.
//
// Types map one-to-one onto storage tables (stream_tasks, stream_events,
// game_stats, coach_messages) and onto the JSON shapes served by the HTTP API.
package model

import "time"

// TaskStatus is the lifecycle state of a stream task.
type TaskStatus string

const (
	TaskStatusActive  TaskStatus = "active"
	TaskStatusStopped TaskStatus = "stopped"
	TaskStatusError   TaskStatus = "error"
)

// Terminal reports whether no transition can leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusStopped || s == TaskStatusError
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusActive || s.Terminal()
}

// StopReason records why a task left the active state.
type StopReason string

const (
	StopReasonManual      StopReason = "manual"       // operator stop request
	StopReasonRTMPStopped StopReason = "rtmp_stopped" // provider reported end of stream (inferred)
	StopReasonAPIError    StopReason = "api_error"    // provider reported an upstream error
	StopReasonUnknown     StopReason = "unknown"
)

// Valid reports whether r is a known stop reason.
func (r StopReason) Valid() bool {
	switch r {
	case StopReasonManual, StopReasonRTMPStopped, StopReasonAPIError, StopReasonUnknown:
		return true
	}
	return false
}

// StreamTask is one remote stream-understanding session.
// RTMPURL, SystemPrompt and UserPrompt are immutable after creation.
// StoppedAt and StopReason are set once, by the transition that leaves active.
type StreamTask struct {
	TaskID           string     `json:"task_id"`
	UserID           string     `json:"user_id,omitempty"`
	RTMPURL          string     `json:"rtmp_url"`
	SystemPrompt     string     `json:"system_prompt"`
	UserPrompt       string     `json:"user_prompt"`
	Status           TaskStatus `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	StopReason       StopReason `json:"stop_reason,omitempty"`
	LastCallbackTime *time.Time `json:"last_callback_time,omitempty"`
}

// StreamEvent is the durable record of one inbound callback.
// Status is nil only when the callback omitted it.
type StreamEvent struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Text       string    `json:"text"`
	Timestamp  string    `json:"timestamp"`
	Status     *int      `json:"status"`
	Processed  bool      `json:"processed"`
	ReceivedAt time.Time `json:"received_at"`
}

// HP bounds for GameStats.
const (
	MinHP     = 0
	MaxHP     = 100
	InitialHP = MaxHP
)

// GameStats is the per-user score record.
type GameStats struct {
	UserID        string     `json:"user_id"`
	HP            int        `json:"hp"`
	ExerciseCount int64      `json:"exercise_count"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// MessageType classifies a coach message.
type MessageType string

const (
	MessageMotivational MessageType = "motivational"
	MessageProgress     MessageType = "progress"
	MessageWarning      MessageType = "warning"
	MessageCelebration  MessageType = "celebration"
)

// CoachMessage is one generated notification for a user.
type CoachMessage struct {
	ID        int64       `json:"id"`
	UserID    string      `json:"user_id"`
	EventID   int64       `json:"event_id,omitempty"`
	Message   string      `json:"message"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// ExerciseEffect is the score change derived from one event.
// It is applied together with the processed-flag write.
type ExerciseEffect struct {
	UserID  string
	Reps    int64
	HPDelta int64
	Message CoachMessage
}
