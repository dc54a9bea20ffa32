package testutil

import (
	"os"
	"strings"
	"time"
)

// TestTime is the fixed clock reading shared by fixtures.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envTrue(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// mustHaveInfra reports whether a missing backing service fails the test instead of skipping it.
func mustHaveInfra(service string) bool {
	return envTrue("TEST_REQUIRE_INFRA") || envTrue("TEST_REQUIRE_"+strings.ToUpper(service))
}

func skipOrFail(t TestingTB, service string, err error) {
	t.Helper()
	if mustHaveInfra(service) {
		t.Fatalf("%s not available: %v", service, err)
	}
	t.Skipf("%s not available: %v", service, err)
}

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skipf(format string, args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
	Cleanup(func())
}
