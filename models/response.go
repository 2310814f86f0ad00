package models

// Response is the envelope every control-surface operation returns.
type Response struct {
	// Success indicates whether the operation completed without errors.
	Success bool `json:"success"`

	// Data carries the operation result. Omitted on failure.
	Data any `json:"data,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// OK wraps data in a successful Response.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failed Response from an error code and message.
func Fail(code, message string) Response {
	return Response{Success: false, Error: &ErrorDetail{Code: code, Message: message}}
}

// FailErr builds a failed Response from an error, preserving its code when
// the error carries one.
func FailErr(err error, fallbackCode string) Response {
	return Response{Success: false, Error: DetailFor(err, fallbackCode)}
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string      `json:"status"` // "healthy" or "degraded"
	Uptime  string      `json:"uptime"`
	Engine  EngineState `json:"engine"`
	Version string      `json:"version"`
}

// EngineState reports the coordinator's current state.
type EngineState struct {
	Phase         string  `json:"phase"`
	Cycles        int64   `json:"cycles"`
	LastReason    string  `json:"last_reason,omitempty"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryStatus  string  `json:"memory_status"`
	MemoryStale   bool    `json:"memory_stale"`
}
