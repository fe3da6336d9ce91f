package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
)

// supportedLevels mirrors audit-scanner/internal/log.Level: a
// pflag.Value wrapping zerolog's level names so --log-level gets
// argument validation and shell completion for free.
var supportedLevels = [6]string{
	zerolog.LevelTraceValue,
	zerolog.LevelDebugValue,
	zerolog.LevelInfoValue,
	zerolog.LevelWarnValue,
	zerolog.LevelErrorValue,
	zerolog.LevelFatalValue,
}

type Level struct {
	value string
}

func (l *Level) String() string {
	if l.value == "" {
		return "info"
	}
	return l.value
}

func (l *Level) Set(level string) error {
	for _, supported := range supportedLevels {
		if level == supported {
			l.value = level
			return nil
		}
	}
	return fmt.Errorf("supported values: %v", supportedLevels)
}

func (l *Level) Type() string {
	return "string"
}

// SetZeroLogLevel parses the flag's value and sets it as the global
// zerolog level, defaulting to info on a parse failure rather than
// refusing to start.
func (l *Level) SetZeroLogLevel() {
	level, err := zerolog.ParseLevel(l.String())
	if err != nil {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	zerolog.SetGlobalLevel(level)
}
