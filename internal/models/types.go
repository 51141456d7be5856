package models

// NATS request from the chat backend
type TurnRequest struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id,omitempty"`
	UserMessage string       `json:"user_message"`
	ResumeToken string       `json:"resume_token,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// NATS response to the chat backend
type TurnResponse struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"` // "awaiting_input", "completed", "failed"
	UserMessage  string          `json:"user_message"`
	ResumeToken  string          `json:"resume_token,omitempty"`
	Missing      []string        `json:"missing,omitempty"`
	Plans        []Plan          `json:"plans,omitempty"`
	Calendar     []CalendarEntry `json:"calendar,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// Progress notification published while a session runs
type ProgressEvent struct {
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
	Message   string `json:"message"`
}

// Status constants
const (
	StatusAwaitingInput = "awaiting_input"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// Error codes
const (
	ErrorLLMFailed      = "LLM_API_FAILED"
	ErrorParseError     = "PARSE_ERROR"
	ErrorSearchFailed   = "SEARCH_FAILED"
	ErrorConfig         = "CONFIG_ERROR"
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorStaleResume    = "STALE_RESUME"
	ErrorStorage        = "STORAGE_FAILED"
)
