package models

// Response status values used by the relay HTTP API.
const (
	ResponseStatusOK    = "ok"
	ResponseStatusError = "error"
)

// APIResponse is the JSON envelope written by the relay HTTP API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps a result in an ok envelope.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: ResponseStatusOK, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: ResponseStatusError, Message: message}
}
