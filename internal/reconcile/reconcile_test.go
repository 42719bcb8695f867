package reconcile

import "testing"

func TestIsMutating(t *testing.T) {
	for _, action := range []string{"click", "type", "select", "check", "set_attribute", "key_press", "paste", "navigate", "highlight"} {
		if !IsMutating(action) {
			t.Errorf("%s should be mutating", action)
		}
	}
	for _, action := range []string{"get_text", "get_value", "get_attribute", "wait_for", "list_interactive"} {
		if IsMutating(action) {
			t.Errorf("%s should be read-only", action)
		}
	}
	if !IsMutating("format_disk") {
		t.Error("unknown actions must default to mutating")
	}
}

func TestReconcileNonConformingPayload(t *testing.T) {
	t.Run("read-only passes through unchanged", func(t *testing.T) {
		payload := map[string]interface{}{"entries": []interface{}{"a", "b"}}
		v := Reconcile("get_text", payload)
		if v.Status != StatusComplete {
			t.Errorf("expected complete, got %v (%s)", v.Status, v.Reason)
		}
		if v.Payload["entries"] == nil {
			t.Error("payload must pass through unchanged")
		}
	})

	t.Run("mutating becomes status_mismatch", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"weird": true})
		if v.Status != StatusError || v.Reason != ReasonStatusMismatch {
			t.Errorf("expected status_mismatch error, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("nil payload on mutating action", func(t *testing.T) {
		v := Reconcile("type", nil)
		if v.Status != StatusError || v.Reason != ReasonStatusMismatch {
			t.Errorf("expected status_mismatch error, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("success with wrong type is non-conforming", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"success": "yes"})
		if v.Status != StatusError || v.Reason != ReasonStatusMismatch {
			t.Errorf("expected status_mismatch error, got %v (%s)", v.Status, v.Reason)
		}
	})
}

func TestReconcileFailureReported(t *testing.T) {
	t.Run("error field becomes reason", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"success": false, "error": "element_not_found"})
		if v.Status != StatusError || v.Reason != "element_not_found" {
			t.Errorf("expected element_not_found error, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("message is fallback reason", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"success": false, "message": "nothing matched #x"})
		if v.Status != StatusError || v.Reason != "nothing matched #x" {
			t.Errorf("unexpected verdict %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("bare failure gets generic reason", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"success": false})
		if v.Status != StatusError || v.Reason == "" {
			t.Errorf("expected non-empty reason, got %v (%s)", v.Status, v.Reason)
		}
	})
}

func TestReconcileContradictorySuccess(t *testing.T) {
	v := Reconcile("get_text", map[string]interface{}{
		"success": true,
		"error":   "lost the element midway",
	})
	if v.Status != StatusError || v.Reason != ReasonStatusMismatch {
		t.Errorf("expected status_mismatch, got %v (%s)", v.Status, v.Reason)
	}
}

func TestReconcileMatchEvidence(t *testing.T) {
	t.Run("mutating success with evidence is complete", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{
			"success": true,
			"matched": map[string]interface{}{"selector": "#submit", "tag": "button"},
		})
		if v.Status != StatusComplete {
			t.Errorf("expected complete, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("mutating success without evidence is downgraded", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{"success": true})
		if v.Status != StatusError || v.Reason != ReasonMissingEvidence {
			t.Errorf("expected missing_match_evidence, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("empty matched object is not evidence", func(t *testing.T) {
		v := Reconcile("type", map[string]interface{}{
			"success": true,
			"matched": map[string]interface{}{"selector": "  "},
		})
		if v.Status != StatusError || v.Reason != ReasonMissingEvidence {
			t.Errorf("expected missing_match_evidence, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("aria label alone is evidence", func(t *testing.T) {
		v := Reconcile("click", map[string]interface{}{
			"success": true,
			"matched": map[string]interface{}{"aria_label": "Close dialog"},
		})
		if v.Status != StatusComplete {
			t.Errorf("expected complete, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("read-only success needs no evidence", func(t *testing.T) {
		v := Reconcile("get_value", map[string]interface{}{"success": true, "value": "42"})
		if v.Status != StatusComplete {
			t.Errorf("expected complete, got %v (%s)", v.Status, v.Reason)
		}
	})

	t.Run("navigation acts on no element and needs no evidence", func(t *testing.T) {
		for _, action := range []string{"navigate", "refresh", "back", "forward"} {
			v := Reconcile(action, map[string]interface{}{"success": true, "url": "https://example.test/"})
			if v.Status != StatusComplete {
				t.Errorf("%s: expected complete, got %v (%s)", action, v.Status, v.Reason)
			}
		}
	})
}
