package env

import "testing"

func TestGetFallsBackWhenBlank(t *testing.T) {
	t.Setenv("PAYBRIDGE_TEST_VALUE", "   ")
	if got := Get("PAYBRIDGE_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("PAYBRIDGE_TEST_VALUE", "console")
	if got := Get("PAYBRIDGE_TEST_VALUE", "json"); got != "console" {
		t.Fatalf("expected console, got %q", got)
	}
}

func TestGetBool(t *testing.T) {
	t.Setenv("PAYBRIDGE_TEST_FLAG", "true")
	if !GetBool("PAYBRIDGE_TEST_FLAG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("PAYBRIDGE_TEST_FLAG", "nope")
	if GetBool("PAYBRIDGE_TEST_FLAG", false) {
		t.Fatal("invalid value should use fallback")
	}
}
