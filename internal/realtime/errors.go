package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("realtime: not connected")
	ErrAlreadyConnected   = errors.New("realtime: already connected")
	ErrResponseInProgress = errors.New("realtime: session cannot change while a response is in progress")
)

// ErrorDetail is the error payload sent by the service.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// ServerError reports an error event received from the service.
type ServerError struct {
	ErrorDetail
}

func (e *ServerError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("realtime server error %s: %s", e.Code, e.Message)
	case e.Message != "":
		return "realtime server error: " + e.Message
	case e.Type != "":
		return "realtime server error: " + e.Type
	}
	return "realtime server error"
}
