package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 은 로그의 심각도 레벨을 나타냅니다.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// ParseLevel 은 설정 문자열을 Level 로 변환합니다. 빈 문자열은 info 로 취급합니다.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return InfoLevel, nil
	case DebugLevel:
		return DebugLevel, nil
	case InfoLevel:
		return InfoLevel, nil
	case WarnLevel, "warning":
		return WarnLevel, nil
	case ErrorLevel:
		return ErrorLevel, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Fields 는 구조적 로그의 key/value 필드를 표현합니다.
type Fields map[string]any

// Logger 는 단일 라인 JSON 로그를 남기는 구조적 로그 인터페이스입니다.
// transport 계층(internal/dtls)과 관리 API 가 모두 이 인터페이스에만 의존합니다.
type Logger interface {
	// Debug 는 디버그 레벨 로그를 기록합니다.
	Debug(msg string, fields Fields)

	// Info 는 정보 레벨 로그를 기록합니다.
	Info(msg string, fields Fields)

	// Warn 는 경고 레벨 로그를 기록합니다.
	Warn(msg string, fields Fields)

	// Error 는 에러 레벨 로그를 기록합니다.
	Error(msg string, fields Fields)

	// With 는 추가 필드를 항상 포함하는 child logger 를 생성합니다.
	With(fields Fields) Logger
}

// zapLogger 는 zap.Logger 를 감싼 Logger 구현체입니다.
type zapLogger struct {
	z *zap.Logger
}

func toZapFields(fields Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *zapLogger) Debug(msg string, fields Fields) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *zapLogger) Info(msg string, fields Fields)  { l.z.Info(msg, toZapFields(fields)...) }
func (l *zapLogger) Warn(msg string, fields Fields)  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *zapLogger) Error(msg string, fields Fields) { l.z.Error(msg, toZapFields(fields)...) }

func (l *zapLogger) With(fields Fields) Logger {
	return &zapLogger{z: l.z.With(toZapFields(fields)...)}
}

// Zap 은 Logger 가 zap 기반이면 내부 *zap.Logger 를 반환합니다.
func Zap(l Logger) (*zap.Logger, bool) {
	zl, ok := l.(*zapLogger)
	if !ok {
		return nil, false
	}
	return zl.z, true
}

// NewZapLogger 는 이미 구성된 zap.Logger 를 Logger 로 감쌉니다.
// 테스트에서는 zaptest.NewLogger(t) 와 함께 사용합니다.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewNop 은 아무것도 출력하지 않는 Logger 를 반환합니다.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

// NewJSONLogger 는 stdout 으로 단일 라인 JSON 로그를 출력하는 기본 Logger 를 생성합니다.
// component 필드는 모든 로그 라인에 포함됩니다.
func NewJSONLogger(component string, level Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &zapLogger{z: z.With(zap.String("component", component))}, nil
}

// Sync 는 버퍼된 로그를 flush 합니다. zap 기반이 아니면 아무것도 하지 않습니다.
func Sync(l Logger) {
	if z, ok := Zap(l); ok {
		_ = z.Sync()
	}
}
