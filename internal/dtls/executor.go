package dtls

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var errExecutorClosed = errors.New("dtls: executor closed")

// serialExecutor 는 제출된 작업을 제출 순서대로 하나의 goroutine 에서 실행합니다.
// 세션/Transmitter 마다 하나씩 두어 엔진 컨텍스트 접근을 직렬화합니다.
// 큐는 상한이 없으므로 Submit 은 수신 루프를 막지 않습니다.
type serialExecutor struct {
	mu     sync.Mutex
	tasks  *queue.Queue
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

// Submit 은 작업을 큐에 넣습니다. 닫힌 뒤에는 false 를 반환합니다.
func (e *serialExecutor) Submit(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.tasks.Add(task)
	e.mu.Unlock()
	e.signal()
	return true
}

// Call 은 작업을 실행하고 그 결과를 기다립니다.
// 실행 중인 작업 안에서 같은 executor 로 Call 하면 교착되므로 주의합니다.
func (e *serialExecutor) Call(task func() error) error {
	errc := make(chan error, 1)
	if !e.Submit(func() { errc <- task() }) {
		return errExecutorClosed
	}
	return <-errc
}

// Close 는 새 작업을 거절합니다. 이미 큐에 있는 작업은 모두 실행된 뒤 루프가 끝납니다.
// 실행 중인 작업 안에서 호출해도 됩니다.
func (e *serialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

// Done 은 루프가 종료되면 닫힙니다.
func (e *serialExecutor) Done() <-chan struct{} { return e.done }

func (e *serialExecutor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for e.tasks.Length() == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		task := e.tasks.Remove().(func())
		e.mu.Unlock()

		task()
	}
}
