package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "dc", "cyan")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.NotEmpty(t, lines)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, ColorCyan))
		assert.True(t, strings.HasSuffix(l, ColorReset))
	}
}

func TestColorCodeFallsBackToReset(t *testing.T) {
	assert.Equal(t, ColorReset, colorCode("magenta"))
	assert.Equal(t, ColorGreen, colorCode("green"))
}
