package logging

import (
	"fmt"

	pionlogging "github.com/pion/logging"
)

// pionLoggerFactory 는 pion 라이브러리 내부 로그를 Logger 로 전달합니다.
// (en) Routes pion/dtls engine logs into the same structured pipeline.
type pionLoggerFactory struct {
	base Logger
}

// PionLoggerFactory 는 pion/logging.LoggerFactory 구현체를 반환합니다.
// 각 scope 는 "pion_scope" 필드로 구분됩니다. trace 로그는 버립니다.
func PionLoggerFactory(base Logger) pionlogging.LoggerFactory {
	if base == nil {
		base = NewNop()
	}
	return &pionLoggerFactory{base: base}
}

func (f *pionLoggerFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	return &pionLogger{l: f.base.With(Fields{"pion_scope": scope})}
}

type pionLogger struct {
	l Logger
}

func (p *pionLogger) Trace(string)          {}
func (p *pionLogger) Tracef(string, ...any) {}

func (p *pionLogger) Debug(msg string)                  { p.l.Debug(msg, nil) }
func (p *pionLogger) Debugf(format string, args ...any) { p.l.Debug(fmt.Sprintf(format, args...), nil) }
func (p *pionLogger) Info(msg string)                   { p.l.Info(msg, nil) }
func (p *pionLogger) Infof(format string, args ...any)  { p.l.Info(fmt.Sprintf(format, args...), nil) }
func (p *pionLogger) Warn(msg string)                   { p.l.Warn(msg, nil) }
func (p *pionLogger) Warnf(format string, args ...any)  { p.l.Warn(fmt.Sprintf(format, args...), nil) }
func (p *pionLogger) Error(msg string)                  { p.l.Error(msg, nil) }
func (p *pionLogger) Errorf(format string, args ...any) { p.l.Error(fmt.Sprintf(format, args...), nil) }
