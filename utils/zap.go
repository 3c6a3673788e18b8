/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
	"strings"

	"go.uber.org/zap"
)

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap SugaredLogger to Logger, for applications that
// already log through zap.
func NewZapLogger(s *zap.SugaredLogger) Logger {
	if s == nil {
		s = zap.NewNop().Sugar()
	}
	return &zapLogger{s: s}
}

// NewZapLoggerForMode builds a development or production zap logger named
// after name.
func NewZapLoggerForMode(mode string, name string) (Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l.Named(strings.ToLower(name)).Sugar()), nil
}

// ServiceLogger returns the logger for a named component. ORBIT_LOG_BACKEND=zap
// selects zap in the ORBIT_LOG_MODE mode; otherwise the named logrus logger
// is used.
func ServiceLogger(name string) Logger {
	if strings.EqualFold(EnvDefaultString("ORBIT_LOG_BACKEND", "logrus"), "zap") {
		l, err := NewZapLoggerForMode(EnvDefaultString("ORBIT_LOG_MODE", "development"), name)
		if err == nil {
			return l
		}
		GetLogger(name).Warn("Falling back to logrus", "error", err)
	}
	return GetLogger(name)
}

func (l *zapLogger) Debug(msg string, fields ...interface{}) { l.s.Debugw(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...interface{})  { l.s.Infow(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...interface{})  { l.s.Warnw(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...interface{}) { l.s.Errorw(msg, fields...) }
