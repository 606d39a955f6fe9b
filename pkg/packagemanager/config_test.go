package packagemanager

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalConfig_NeverReturnsEmptyOSOrArch(t *testing.T) {
	cfg := LocalConfig()
	assert.NotEmpty(t, cfg.OS)
	assert.NotEmpty(t, cfg.Arch)
}

func TestLocalConfig_FallsBackToRuntimeGOARCH(t *testing.T) {
	cfg := LocalConfig()
	// /etc/os-release never sets an architecture field, so Arch always comes
	// from runtime.GOARCH regardless of host distribution.
	assert.Equal(t, runtime.GOARCH, cfg.Arch)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", "", ""))
	assert.Equal(t, "a", firstNonEmpty("a", "b"))
}
