package authapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/jrsteele09/go-auth-client/internal/utils"
)

type errorPayload struct {
	Message          json.RawMessage `json:"message"`
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Detail           string          `json:"detail"`
	Errors           json.RawMessage `json:"errors"`
	FieldErrors      json.RawMessage `json:"fieldErrors"`
}

// parseAPIError maps a non-2xx body onto an AuthAPIError. Unknown shapes keep
// the status and fall back to the status text.
func parseAPIError(status int, body []byte) *autherr.AuthAPIError {
	apiErr := &autherr.AuthAPIError{StatusCode: status}

	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "<") {
			apiErr.Message = text
		} else {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}

	apiErr.Message = utils.FirstNonEmpty(
		messageText(p.Message),
		p.ErrorDescription,
		messageText(p.Error),
		p.Detail,
		http.StatusText(status),
	)

	fields := fieldErrors(p.Errors)
	for k, v := range fieldErrors(p.FieldErrors) {
		if fields == nil {
			fields = make(map[string][]string)
		}
		fields[k] = append(fields[k], v...)
	}
	apiErr.FieldErrors = fields
	return apiErr
}

// messageText accepts a string, a list of strings, or {"message": "..."}.
func messageText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}

// fieldErrors accepts {"field": ["msg"]}, {"field": "msg"} or [{"field": "f", "message": "msg"}].
func fieldErrors(raw json.RawMessage) map[string][]string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var lists map[string][]string
	if json.Unmarshal(raw, &lists) == nil && len(lists) > 0 {
		return lists
	}

	var single map[string]string
	if json.Unmarshal(raw, &single) == nil && len(single) > 0 {
		out := make(map[string][]string, len(single))
		for k, v := range single {
			out[k] = []string{v}
		}
		return out
	}

	var items []struct {
		Field    string `json:"field"`
		Property string `json:"property"`
		Message  string `json:"message"`
	}
	if json.Unmarshal(raw, &items) == nil && len(items) > 0 {
		out := make(map[string][]string)
		for _, it := range items {
			field := utils.FirstNonEmpty(it.Field, it.Property)
			if field == "" {
				continue
			}
			out[field] = append(out[field], it.Message)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
