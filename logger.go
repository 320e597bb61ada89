package go_peerlink

import (
	"os"

	"github.com/go-i2p/logger"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

// LogInit initializes the logger with the specified level.
// Levels map onto the DEBUG_I2P / WARNFAIL_I2P switches understood by go-i2p/logger.
func LogInit(level int) {
	logger.InitializeGoI2PLogger()

	switch level {
	case DEBUG, INFO:
		os.Setenv("DEBUG_I2P", "debug")
	case WARNING:
		os.Setenv("DEBUG_I2P", "warn")
	case ERROR:
		os.Setenv("DEBUG_I2P", "error")
	case FATAL:
		os.Setenv("DEBUG_I2P", "fatal")
		os.Setenv("WARNFAIL_I2P", "true")
	default:
		os.Setenv("DEBUG_I2P", "debug")
	}
}

// Debug logs a debug message with optional arguments.
func Debug(message string, args ...interface{}) {
	if len(args) == 0 {
		log.Debug(message)
		return
	}
	log.Debugf(message, args...)
}

// Info logs an info message with optional arguments.
// Note: Info maps to Warn level in the logger.
func Info(message string, args ...interface{}) {
	if len(args) == 0 {
		log.Warn(message)
		return
	}
	log.Warnf(message, args...)
}

// Warning logs a warning message with optional arguments.
func Warning(message string, args ...interface{}) {
	if len(args) == 0 {
		log.Warn(message)
		return
	}
	log.Warnf(message, args...)
}

// Error logs an error message with optional arguments.
func Error(message string, args ...interface{}) {
	if len(args) == 0 {
		log.Error(message)
		return
	}
	log.Errorf(message, args...)
}

// Fatal logs a fatal message with optional arguments.
// Note: Fatal maps to Error level in the logger and sets WARNFAIL_I2P.
func Fatal(message string, args ...interface{}) {
	os.Setenv("WARNFAIL_I2P", "true")
	Error(message, args...)
}

// linkFields returns the structured fields attached to every per-link log entry.
func linkFields(link *PeerLink, extra logrus.Fields) logger.Fields {
	fields := logger.Fields{"peer": link.name}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}
