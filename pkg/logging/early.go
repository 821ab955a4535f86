package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog reports problems that happen before the zap logger exists, such
// as a missing or unreadable config file.
type EarlyLog struct {
	out    io.Writer
	prefix string
}

func NewEarlyLog(service string) *EarlyLog {
	return &EarlyLog{out: os.Stderr, prefix: service}
}

func (l *EarlyLog) Error(msg string, args ...any) {
	l.print("ERROR", msg, args...)
}

func (l *EarlyLog) print(level, msg string, args ...any) {
	fmt.Fprintf(l.out, "%s %s: %s\n", level, l.prefix, fmt.Sprintf(msg, args...))
}
