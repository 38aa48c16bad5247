package models

import "time"

// ConnectionStatus is the state of a stream connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamMetrics is a point-in-time copy of a connection's counters.
type StreamMetrics struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesParsed    uint64    `json:"messages_parsed"`
	ParseErrors       uint64    `json:"parse_errors"`
	ConnectionErrors  uint64    `json:"connection_errors"`
	ReconnectionCount uint64    `json:"reconnection_count"`
	LastMessageTime   time.Time `json:"last_message_time"`
	DataGaps          uint64    `json:"data_gaps"`
	AverageLatencyMs  float64   `json:"average_latency_ms"`
}
