// Package reconcile validates executor output against action semantics before
// it is reported as success. Its one job is preventing a "success" report
// when nothing on the page was actually affected.
package reconcile

import "strings"

// Status is the verdict classification. Timeout is decided upstream by the
// dispatcher; the reconciler only ever produces complete or error.
type Status string

const (
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Reason codes synthesized by the reconciler.
const (
	ReasonStatusMismatch  = "status_mismatch"
	ReasonMissingEvidence = "missing_match_evidence"
)

// mutatingActions are actions that change page state. A mutating result must
// carry evidence that a concrete element was located and acted upon.
var mutatingActions = map[string]bool{
	"click": true, "type": true, "select": true, "check": true,
	"set_attribute": true, "focus": true, "scroll_to": true,
	"key_press": true, "paste": true, "highlight": true,
	"navigate": true,
}

// selectorFree actions mutate tab state without touching an element, so the
// match-evidence rule does not apply to them.
var selectorFree = map[string]bool{
	"navigate": true, "refresh": true, "back": true, "forward": true,
}

// IsMutating reports whether the action changes page state. Unknown actions
// are treated as mutating: trusting an unrecognized action's bare "success"
// is exactly the failure mode this package exists to stop.
func IsMutating(action string) bool {
	if _, known := readOnlyActions[action]; known {
		return false
	}
	return true
}

var readOnlyActions = map[string]bool{
	"get_text": true, "get_value": true, "get_attribute": true,
	"wait_for": true, "list_interactive": true,
}

// Verdict is the reconciler's judgment of one executor result.
type Verdict struct {
	Status  Status
	Reason  string
	Payload map[string]interface{}
}

// shape is the validated view of a raw result payload.
type shape struct {
	conforming bool
	success    bool
	errField   string
	message    string
}

// decodeOutcome probes the duck-typed payload for the fields the contract
// requires instead of trusting it blindly. A payload is conforming when it
// carries a boolean "success"; "action" and "selector", when present, must be
// strings or the payload is rejected as malformed.
func decodeOutcome(payload map[string]interface{}) shape {
	if payload == nil {
		return shape{}
	}

	success, ok := payload["success"].(bool)
	if !ok {
		if _, present := payload["success"]; present {
			return shape{} // wrong type
		}
		return shape{} // missing
	}

	for _, key := range []string{"action", "selector"} {
		if v, present := payload[key]; present {
			if _, isString := v.(string); !isString {
				return shape{}
			}
		}
	}

	s := shape{conforming: true, success: success}
	if v, ok := payload["error"].(string); ok {
		s.errField = v
	}
	if v, ok := payload["message"].(string); ok {
		s.message = v
	}
	return s
}

// hasMatchEvidence checks whether the result proves an element was located:
// a "matched" object echoing at least one of selector, tag, role, aria_label,
// or text_preview.
func hasMatchEvidence(payload map[string]interface{}) bool {
	matched, ok := payload["matched"].(map[string]interface{})
	if !ok {
		return false
	}
	for _, key := range []string{"selector", "tag", "role", "aria_label", "text_preview"} {
		if v, ok := matched[key].(string); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Reconcile applies the consistency rules to one executor result:
//
//  1. Non-conforming payload + read-only action: pass through unchanged.
//  2. Non-conforming payload + mutating action: status_mismatch.
//  3. success:false: error, propagating the payload's error/message as reason.
//  4. success:true alongside a non-empty error field: contradictory, status_mismatch.
//  5. Mutating action without match evidence: missing_match_evidence.
//
// Only results passing every rule report complete. Errors synthesized here
// are never retried upstream: a retry cannot fix a logically inconsistent
// executor.
func Reconcile(action string, payload map[string]interface{}) Verdict {
	s := decodeOutcome(payload)

	if !s.conforming {
		if !IsMutating(action) {
			return Verdict{Status: StatusComplete, Payload: payload}
		}
		return Verdict{Status: StatusError, Reason: ReasonStatusMismatch, Payload: payload}
	}

	if !s.success {
		reason := s.errField
		if reason == "" {
			reason = s.message
		}
		if reason == "" {
			reason = "action reported failure"
		}
		return Verdict{Status: StatusError, Reason: reason, Payload: payload}
	}

	if s.errField != "" {
		return Verdict{Status: StatusError, Reason: ReasonStatusMismatch, Payload: payload}
	}

	if IsMutating(action) && !selectorFree[action] && !hasMatchEvidence(payload) {
		return Verdict{Status: StatusError, Reason: ReasonMissingEvidence, Payload: payload}
	}

	return Verdict{Status: StatusComplete, Payload: payload}
}
