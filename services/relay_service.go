package services

// RelayServiceImpl implements RelayService
type RelayServiceImpl struct {
	relay Relay
}

func NewRelayService(r Relay) RelayService {
	return &RelayServiceImpl{relay: r}
}

func (s *RelayServiceImpl) GetRelay() RelayInfo {
	return RelayInfo{
		Running:   s.relay.IsRunning(),
		Connected: s.relay.IsConnected(),
		State:     s.relay.State().String(),
		Target:    s.relay.Target(),
	}
}

// Send forwards payload to the backend. A closed connection is reported as
// ErrCodeUnavailable rather than dropped silently.
func (s *RelayServiceImpl) Send(payload map[string]any) error {
	if len(payload) == 0 {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Payload must be a non-empty JSON object"}
	}
	if !s.relay.IsConnected() {
		return ServiceError{Code: ErrCodeUnavailable, Message: "Relay not connected"}
	}
	if err := s.relay.Send(payload); err != nil {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Payload cannot be encoded", Cause: err}
	}
	return nil
}
