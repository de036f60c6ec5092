// Package logger provides the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance.
var Log *slog.Logger

func init() {
	Log = slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Init configures the global logger. When logFile is set, output rotates at
// 10 MB with 3 backups kept for 30 days; mirrorStderr additionally copies
// records to stderr (foreground mode). A background server passes
// mirrorStderr=false so the rotating file is the only sink.
func Init(levelStr, logFile string, mirrorStderr bool) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		if mirrorStderr {
			w = io.MultiWriter(os.Stderr, rotating)
		} else {
			w = rotating
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	}
	Log = slog.New(slog.NewTextHandler(w, opts))
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
