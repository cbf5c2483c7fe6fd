package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Writer: &buf, Level: slog.LevelWarn, NoColor: true})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown", "root", "abc")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "root=abc")
}

func TestDiscardAndDefault(t *testing.T) {
	Discard().Error("nothing")
	assert.Same(t, Default(), Default())
}
