package endpoint

// serialExecutor runs posted functions one at a time on a dedicated
// goroutine, the Go shape of the "single-threaded serial executor"
// spec.md §5 requires for all endpoint lifecycle mutations.
type serialExecutor struct {
	tasks chan func()
	done  chan struct{}
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain anything already queued before exiting so a Shutdown
			// racing a DiscardEndpoint doesn't leak a blocked poster.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the executor goroutine, returning
// immediately. Used by DiscardEndpoint, which must never block an I/O
// thread on a processor callback.
func (e *serialExecutor) Post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// PostAndWait enqueues fn and blocks until it has run, the shape
// RegisterEndpoint/UnregisterEndpoint/Shutdown need (spec §5:
// "post to the serial executor and wait on a latch").
func (e *serialExecutor) PostAndWait(fn func()) {
	latch := make(chan struct{})
	e.Post(func() {
		fn()
		close(latch)
	})
	<-latch
}

func (e *serialExecutor) Stop() {
	close(e.done)
}
