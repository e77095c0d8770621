package services

// AdapterInfo describes the adapter session
type AdapterInfo struct {
	Connected       bool   `json:"connected"`
	DeviceID        string `json:"device_id,omitempty"`
	DeviceName      string `json:"device_name,omitempty"`
	CommandChannel  string `json:"command_channel,omitempty"`
	ResponseChannel string `json:"response_channel,omitempty"`
}

// RelayInfo describes the backend connection
type RelayInfo struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Target    string `json:"target,omitempty"`
}

type StatusInfo struct {
	Adapter AdapterInfo `json:"adapter"`
	Relay   RelayInfo   `json:"relay"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error { return e.Cause }

// Common error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
