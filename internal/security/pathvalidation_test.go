package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateComponent(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantError bool
	}{
		{"plain", "config_sample", false},
		{"dotted", "val.v2", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"nul", "a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateComponent(tt.in)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateComponent(%q) error = %v, wantError %v", tt.in, err, tt.wantError)
			}
		})
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	if err := os.MkdirAll(safeDir, 0755); err != nil {
		t.Fatalf("Failed to create safe directory: %v", err)
	}
	if err := os.MkdirAll(unsafeDir, 0755); err != nil {
		t.Fatalf("Failed to create unsafe directory: %v", err)
	}
	symlinkPath := filepath.Join(safeDir, "AVSG_Data")
	if err := os.Symlink(unsafeDir, symlinkPath); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		safeDir   string
		wantError bool
	}{
		{"output dir in workdir", filepath.Join(tmpDir, "AVSG_Data", "l5kit_data_a_b"), tmpDir, false},
		{"existing dir", safeDir, tmpDir, false},
		{"traversal", filepath.Join(tmpDir, "..", "out"), tmpDir, true},
		{"relative escape", "../../../etc/passwd", tmpDir, true},
		{"absolute outside", "/etc", tmpDir, true},
		{"symlinked parent", filepath.Join(symlinkPath, "l5kit_data_a_b"), safeDir, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, tt.safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
