// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps zap with the structured-field conventions used across
// the scheduler: every component calls log.New with its own Config and an
// optional set of fields that get attached to every subsequent line.
package log

import (
	"sync"

	"go.uber.org/zap"
)

// Config defines logger configuration.
type Config struct {
	Disable bool   `yaml:"disable"`
	Level   string `yaml:"level"`
}

func (c Config) level() zap.AtomicLevel {
	lvl := zap.NewAtomicLevel()
	if c.Level != "" {
		_ = lvl.UnmarshalText([]byte(c.Level))
	}
	return lvl
}

// New creates a new *zap.Logger per config, with fields attached to every
// entry it produces.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	var zc zap.Config
	if config.Disable {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.FatalLevel + 1)
	} else {
		zc = zap.NewProductionConfig()
		zc.Level = config.level()
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		logger = logger.With(zap.Any(k, v))
	}
	return logger, nil
}

var (
	mu      sync.RWMutex
	global  *zap.SugaredLogger
	initted bool
)

func sugared() *zap.SugaredLogger {
	mu.RLock()
	if initted {
		defer mu.RUnlock()
		return global
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initted {
		l, err := New(Config{}, nil)
		if err != nil {
			l = zap.NewNop()
		}
		global = l.Sugar()
		initted = true
	}
	return global
}

// SetGlobal overrides the package-level default logger.
func SetGlobal(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l.Sugar()
	initted = true
}

// With returns a child of the default logger with args attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return sugared().With(args...)
}

// Debug logs at debug level.
func Debug(args ...interface{}) { sugared().Debug(args...) }

// Info logs at info level.
func Info(args ...interface{}) { sugared().Info(args...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { sugared().Warn(args...) }

// Error logs at error level.
func Error(args ...interface{}) { sugared().Error(args...) }

// Fatal logs at fatal level and exits the process.
func Fatal(args ...interface{}) { sugared().Fatal(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) { sugared().Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) { sugared().Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) { sugared().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) { sugared().Errorf(format, args...) }

// Fatalf logs a formatted message at fatal level and exits the process.
func Fatalf(format string, args ...interface{}) { sugared().Fatalf(format, args...) }
