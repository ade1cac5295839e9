package safe_close

import "sync"

// SafeClose coordinates the shutdown of a service and the goroutines it
// started.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Sub goroutines are started by Attach and exit once closeSignal is closed.
//  3. Anyone may call SendCloseSignal, typically with the fatal error that stops the service.
//     CloseWait must not be called from an attached goroutine, it would deadlock.
//  4. CloseWait returns once Done was called and every attached goroutine exited.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closed      bool
	closeSignal chan struct{}
	closeErr    error

	done     chan struct{}
	doneOnce sync.Once
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SendCloseSignal closes the close signal. Only the first call records err.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	close(s.closeSignal)
}

// CloseWait sends a close signal and waits for Done and all attached
// goroutines. It is safe to call it multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// Err returns the error given to the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine tracked by CloseWait. f must call done
// when it returns. f is not run if s is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.wg.Add(1)
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
}

// Done marks the main goroutine as finished. It is safe to call it
// multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
