package validation

import "testing"

func TestIsValidID(t *testing.T) {
	valid := []string{"esc_a1b2c3", "ms_00ff", "user-42", "contract:7", "a"}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "has space", "semi;colon", string(make([]byte, 65))}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true, want false", id)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("client_id", ""),
		ValidAmount("amount", "-5"),
		ValidID("contract_id", "ok-1"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "client_id" {
		t.Errorf("first error field = %q", errs[0].Field)
	}
}

func TestValidAmount(t *testing.T) {
	if errs := Validate(ValidAmount("amount", "400.00")); len(errs) != 0 {
		t.Errorf("400.00 should be valid: %v", errs)
	}
	if errs := Validate(ValidAmount("amount", "0")); len(errs) == 0 {
		t.Error("zero amount should be invalid")
	}
	if errs := Validate(ValidAmount("amount", "1.999")); len(errs) == 0 {
		t.Error("sub-cent amount should be invalid")
	}
	// Empty passes; pair with Required for mandatory fields.
	if errs := Validate(ValidAmount("amount", "")); len(errs) != 0 {
		t.Errorf("empty amount should pass ValidAmount alone: %v", errs)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q", got)
	}
}
