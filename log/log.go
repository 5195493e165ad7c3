// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync"
)

var (
	log   Logger = SilentLogger{}
	logMu sync.RWMutex
)

// Logger is used by ptracefs to log messages. Any logger that satisfies this
// interface can be plugged in, logrus.Logger does out of the box.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Error(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Debug(args ...interface{})
}

// SetLogger will set the Logger instance that all ptracefs packages use.
// Passing nil restores the silent logger.
func SetLogger(l Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = SilentLogger{}
	}
	log = l
}

// GetLogger returns the Logger instance currently in use.
func GetLogger() Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return log
}

func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

func Info(args ...interface{}) {
	GetLogger().Info(args...)
}
