// Package packagemanager defines the adapter contract that lets Deptective
// drive one operating system's package manager without knowing its details.
package packagemanager

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Config is the immutable (os, os_version, arch) triple that keys a Cache and
// identifies a Manager instance. Two Managers are equal iff their Name and
// Config are equal.
type Config struct {
	OS        string
	OSVersion string
	Arch      string
}

// osReleaseLine matches a single `KEY=value` line from /etc/os-release,
// tolerating single, double, or no quoting around the value.
var osReleaseLine = regexp.MustCompile(`^\s*([A-Za-z0-9_]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|(\S*))\s*$`)

// LocalConfig inspects the running host's /etc/os-release (when present) and
// returns the Config that matches it. It never fails: OS and Arch fall back
// to runtime.GOOS/runtime.GOARCH, and OSVersion is left empty when
// os-release gives neither VERSION_CODENAME nor VERSION_ID.
func LocalConfig() Config {
	cfg := Config{
		OS:   strings.ToLower(runtime.GOOS),
		Arch: strings.ToLower(runtime.GOARCH),
	}

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return cfg
	}
	defer f.Close()

	var versionID, versionCodename string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m := osReleaseLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		value := firstNonEmpty(m[2], m[3], m[4])
		switch key {
		case "id":
			cfg.OS = value
		case "version_id":
			versionID = value
		case "version_codename":
			versionCodename = value
		}
	}

	switch {
	case versionCodename != "":
		cfg.OSVersion = versionCodename
	case versionID != "":
		cfg.OSVersion = versionID
	}

	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DockerfileSidecarName returns the filename of the recipe sidecar that
// records the Dockerfile last used to build the base strace image for mgr,
// used by the Container Manager's image-build freshness check.
func DockerfileSidecarName(name string, cfg Config) string {
	return filepath.Join("Dockerfile-" + name + "-" + cfg.OS + "-" + cfg.OSVersion + "-" + cfg.Arch)
}
