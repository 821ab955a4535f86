package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEarlyLogWritesPrefixedLine(t *testing.T) {
	var buf bytes.Buffer
	l := &EarlyLog{out: &buf, prefix: "scan-service"}

	l.Error("Failed to load config: %v", "no such file")

	assert.Equal(t, "ERROR scan-service: Failed to load config: no such file\n", buf.String())
}
