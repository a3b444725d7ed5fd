package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.2.0", Commit: "abc123", BuildDate: "2024-03-01", GoVersion: "go1.22.1"}
	assert.Equal(t, "alertd 1.2.0 (commit: abc123, built: 2024-03-01, go1.22.1)", info.String())
	assert.Equal(t, Version, Get().Version)
}
