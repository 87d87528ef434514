package errors

import (
	"encoding/json"
)

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Severity  string            `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error, suitable for
// machine consumption.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ve, ok := err.(*VectorizerError)
	if !ok {
		ve = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:      ve.Code,
		Message:   ve.Message,
		Category:  string(ve.Category),
		Severity:  string(ve.Severity),
		Details:   ve.Details,
		Retryable: ve.Retryable,
	}

	if ve.Cause != nil {
		je.Cause = ve.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog formats an error as key-value pairs suitable for slog
// attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	ve, ok := err.(*VectorizerError)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_code": ve.Code,
		"message":    ve.Message,
		"category":   string(ve.Category),
		"severity":   string(ve.Severity),
		"retryable":  ve.Retryable,
	}

	if ve.Cause != nil {
		result["cause"] = ve.Cause.Error()
	}

	for k, v := range ve.Details {
		result["detail_"+k] = v
	}

	return result
}
