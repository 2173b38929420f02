package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 DTLS 전송 계층 메트릭들을 정의합니다.
// 메트릭 이름에는 hopdtls_ 접두어를 붙입니다.

const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	DirectionIn  = "in"
	DirectionOut = "out"

	// 세션 제거 사유 라벨 값.
	EvictHandshake = "handshake"
	EvictDecrypt   = "decrypt"
	EvictAdmin     = "admin"
	EvictShutdown  = "shutdown"
)

var (
	// DTLS 핸드셰이크 총 횟수 (성공/실패 라벨 포함).
	DTLSHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopdtls_handshakes_total",
			Help: "Total number of DTLS handshakes, labeled by role and result.",
		},
		[]string{"role", "result"}, // client|server, success|failure
	)

	// 핸드셰이크 소요 시간 분포.
	DTLSHandshakeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopdtls_handshake_duration_seconds",
			Help:    "Histogram of DTLS handshake durations in seconds, labeled by role.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// 서버 세션 테이블 크기.
	DTLSActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopdtls_server_sessions",
			Help: "Number of entries currently in the server session table.",
		},
	)

	// 세션 제거 횟수 (사유 라벨 포함).
	DTLSSessionEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopdtls_session_evictions_total",
			Help: "Total number of server sessions removed from the session table, labeled by reason.",
		},
		[]string{"reason"}, // handshake, decrypt, admin, shutdown
	)

	// 송수신 datagram 수 (방향 라벨 포함).
	DTLSDatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopdtls_datagrams_total",
			Help: "Total number of UDP datagrams handled by the DTLS server, labeled by direction.",
		},
		[]string{"direction"},
	)

	// 애플리케이션 핸들러 실패 수 (에러 반환 + panic).
	DTLSHandlerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopdtls_handler_errors_total",
			Help: "Total number of application handler failures isolated by the DTLS server.",
		},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 reg 에 등록합니다. reg 가 nil 이면 전역 레지스트리입니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		DTLSHandshakesTotal,
		DTLSHandshakeDurationSeconds,
		DTLSActiveSessions,
		DTLSSessionEvictionsTotal,
		DTLSDatagramsTotal,
		DTLSHandlerErrorsTotal,
	)
}
