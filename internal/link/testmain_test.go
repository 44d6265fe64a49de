package link_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks from the link loop and platform
// timers after all tests complete.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
