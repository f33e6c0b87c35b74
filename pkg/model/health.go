package model

// Heartbeat is the periodic liveness message the daemon publishes so
// fleet tooling can spot a device without polling its API.
type Heartbeat struct {
	DeviceID          string `json:"deviceId"`
	QueueDepth        int    `json:"queueDepth"`
	CurrentDeployment string `json:"currentDeployment,omitempty"`
	UptimeSec         int64  `json:"uptimeSec"`
	Timestamp         int64  `json:"timestamp"`
}
