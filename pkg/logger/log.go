// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

var logLevelNames = map[string]LogLevel{
	"error":   Error,
	"warning": Warning,
	"info":    Info,
	"debug":   Debug,
}

func ParseLogLevel(name string) (LogLevel, error) {
	level, ok := logLevelNames[strings.ToLower(name)]
	if !ok {
		return Info, fmt.Errorf("unknown log level '%s'", name)
	}
	return level, nil
}

func (level LogLevel) logrusLevel() logrus.Level {
	switch level {
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

var loggingConfigLock = &sync.Mutex{}

type LoggingConfig struct {
	level  LogLevel
	output io.Writer
	base   *logrus.Logger
}

var loggingConfigInstance *LoggingConfig

func GetLoggingConfig() *LoggingConfig {
	loggingConfigLock.Lock()
	defer loggingConfigLock.Unlock()
	if loggingConfigInstance == nil {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		base.SetLevel(Info.logrusLevel())
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		loggingConfigInstance = &LoggingConfig{
			level:  Info,
			output: os.Stderr,
			base:   base,
		}
	}
	return loggingConfigInstance
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	loggingConfigLock.Lock()
	defer loggingConfigLock.Unlock()
	loggingConfig.level = level
	loggingConfig.base.SetLevel(level.logrusLevel())
}

// SetOutput redirects every logger, including already created ones.
func SetOutput(output io.Writer) {
	loggingConfig := GetLoggingConfig()
	loggingConfigLock.Lock()
	defer loggingConfigLock.Unlock()
	loggingConfig.output = output
	loggingConfig.base.SetOutput(output)
}

type Logger struct {
	entry *logrus.Entry
}

// GetLogger returns a logger tagged with the calling function.
func GetLogger() *Logger {
	loggingConfig := GetLoggingConfig()
	return &Logger{
		entry: loggingConfig.base.WithField("caller", traceInfo()),
	}
}

func traceInfo() string {
	pc, fileName, fileLine, ok := runtime.Caller(2)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		name := details.Name()
		if index := strings.LastIndex(name, "/"); index >= 0 {
			name = name[index+1:]
		}
		if index := strings.LastIndex(fileName, "/"); index >= 0 {
			fileName = fileName[index+1:]
		}
		return fmt.Sprintf("%s() at %s:%d", name, fileName, fileLine)
	}
	return ""
}

func (logger *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: logger.entry.WithField(key, value)}
}

func (logger *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: logger.entry.WithFields(fields)}
}

func (logger *Logger) IsDebug() bool {
	return logger.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (logger *Logger) Error(data ...any) {
	logger.entry.Error(data...)
}

func (logger *Logger) Warn(data ...any) {
	logger.entry.Warn(data...)
}

func (logger *Logger) Warning(data ...any) {
	logger.Warn(data...)
}

func (logger *Logger) Info(data ...any) {
	logger.entry.Info(data...)
}

func (logger *Logger) Debug(data ...any) {
	logger.entry.Debug(data...)
}

func (logger *Logger) Errorf(format string, a ...any) {
	logger.entry.Errorf(format, a...)
}

func (logger *Logger) Warnf(format string, a ...any) {
	logger.entry.Warnf(format, a...)
}

func (logger *Logger) Warningf(format string, a ...any) {
	logger.Warnf(format, a...)
}

func (logger *Logger) Infof(format string, a ...any) {
	logger.entry.Infof(format, a...)
}

func (logger *Logger) Debugf(format string, a ...any) {
	logger.entry.Debugf(format, a...)
}
