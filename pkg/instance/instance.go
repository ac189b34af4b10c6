package instance

import (
	"os"
	"strings"
)

// EnvInstanceID overrides the process identity reported in logs.
const EnvInstanceID = "PAYBRIDGE_INSTANCE_ID"

// ID returns the process instance identifier: the env override, then the
// hostname, then a fixed fallback.
func ID() string {
	if id := strings.TrimSpace(os.Getenv(EnvInstanceID)); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "instance-0"
}
