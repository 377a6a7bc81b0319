package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

func init() {
	jww.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	jww.SetStdoutThreshold(jww.LevelInfo)
}

// Init sets the log threshold ("trace", "debug", "info", "warn", "error")
// and an optional log file. An empty path keeps stdout only.
func Init(level, path string) error {
	threshold, err := ParseLevel(level)
	if err != nil {
		return err
	}

	if path != "" {
		out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(out)
		jww.SetLogThreshold(threshold)
	}

	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	jww.SetStdoutThreshold(threshold)
	jww.INFO.Printf("Log level set to: %s", threshold)
	return nil
}

func ParseLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "", "info":
		return jww.LevelInfo, nil
	case "warn", "warning":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	default:
		return jww.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func Info(format string, v ...interface{}) {
	jww.INFO.Printf(format, v...)
}

func Error(format string, v ...interface{}) {
	jww.ERROR.Printf(format, v...)
}

func Debug(format string, v ...interface{}) {
	jww.DEBUG.Printf(format, v...)
}

func Warn(format string, v ...interface{}) {
	jww.WARN.Printf(format, v...)
}

// IntegrityRisk logs a background failure the client can no longer observe.
func IntegrityRisk(chatID, messageID, stage string, err error) {
	jww.ERROR.Printf("INTEGRITY_RISK: stage=%s chat=%s message=%s error=%v", stage, chatID, messageID, err)
}
