package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "captures"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing subdir", filepath.Join(dir, "captures"), false},
		{"new file", filepath.Join(dir, "captures", "harbour.pcap"), false},
		{"new nested file", filepath.Join(dir, "a", "b", "c.pcap"), false},
		{"dot dot escape", filepath.Join(dir, "..", "escape.pcap"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_SymlinkParent(t *testing.T) {
	safe := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	err := ValidatePathWithinDirectory(filepath.Join(link, "new.db.gz"), safe)
	assert.Error(t, err)
}

func TestValidateReadPath(t *testing.T) {
	assert.NoError(t, ValidateReadPath(filepath.Join(os.TempDir(), "capture.pcap")))
	assert.NoError(t, ValidateReadPath("capture.pcap"))
	assert.Error(t, ValidateReadPath("/proc/self/environ"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                       "unknown",
		"lifeline.db":            "lifeline.db",
		"../../etc/passwd":       "etc_passwd",
		"mission 42/../x":        "mission_42_.._x",
		"___":                    "unknown",
		"cam-01_2026.10.16.pcap": "cam-01_2026.10.16.pcap",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}

	long := SanitizeFilename(strings.Repeat("x", 300))
	assert.Len(t, long, 128)
}
