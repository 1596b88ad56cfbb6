package metrics

import "taskmill/internal/domain"

// Observer receives lifecycle counters emitted by the core. Transport is up
// to the binary wiring it; tests use Nop.
type Observer interface {
	TaskStarted()
	TaskSucceeded()
	TaskFailed()
	TaskRevoked()
	TaskRetried()
	QueueDepth(p domain.Priority, n int64)
	WorkerAlive(worker string)
}

type Nop struct{}

func (Nop) TaskStarted()                      {}
func (Nop) TaskSucceeded()                    {}
func (Nop) TaskFailed()                       {}
func (Nop) TaskRevoked()                      {}
func (Nop) TaskRetried()                      {}
func (Nop) QueueDepth(domain.Priority, int64) {}
func (Nop) WorkerAlive(string)                {}
