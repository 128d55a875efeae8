package cprint

import (
	"bytes"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

// captureStderr captures os.Stderr and returns the recorded output as f runs.
// It is not thread-safe.
func captureStderr(f func()) string {
	r, w, _ := os.Pipe()
	backupStderr := os.Stderr
	os.Stderr = w

	f()

	w.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	os.Stderr = backupStderr

	return buf.String()
}

func TestMain(m *testing.M) {
	backup := color.NoColor
	color.NoColor = false
	exitVal := m.Run()
	color.NoColor = backup
	os.Exit(exitVal)
}

func TestPrintStdErr(t *testing.T) {
	tests := []struct {
		name          string
		disableOutput bool
		run           func()
		expected      string
	}{
		{
			name: "Warnf prints colored output",
			run: func() {
				Warnf("warning: %s", "mismatch")
			},
			expected: "\x1b[33mwarning: mismatch\x1b[0m",
		},
		{
			name: "Errorf prints colored output",
			run: func() {
				Errorf("error: %d", 42)
			},
			expected: "\x1b[31merror: 42\x1b[0m",
		},
		{
			name: "Infof prints colored output",
			run: func() {
				Infof("info: %s", "finalized")
			},
			expected: "\x1b[34minfo: finalized\x1b[0m",
		},
		{
			name:          "disabled output prints nothing",
			disableOutput: true,
			run: func() {
				Warnf("warning")
				Errorf("error")
				Infof("info")
			},
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			DisableOutput = tt.disableOutput
			defer func() { DisableOutput = false }()

			output := captureStderr(tt.run)
			assert.Equal(t, tt.expected, output)
		})
	}
}
