package dispatcher

import (
	"github.com/tordrt/llmquery/internal/apperr"
)

// Envelope is the uniform result of every dispatcher operation
type Envelope struct {
	Success   bool        `json:"success"`
	Operation string      `json:"operation"`
	RequestID string      `json:"request_id"`
	Query     string      `json:"query,omitempty"`
	Data      any         `json:"data,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind apperr.Kind `json:"error_kind,omitempty"`
}

// Err returns the failure as a classified error, or nil on success
func (e Envelope) Err() error {
	if e.Success {
		return nil
	}
	return apperr.Errorf(e.ErrorKind, e.Operation, "%s", e.Error)
}

// TableList is the payload of Tables
type TableList struct {
	Tables []string `json:"tables"`
	Cached bool     `json:"cached"`
}
