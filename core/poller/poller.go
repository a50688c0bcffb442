package poller

// Poller is the I/O readiness interface the engine loop waits on.
// Registered descriptors are watched for read readiness, level-triggered.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	// Wait blocks for at most timeout milliseconds and returns the ready
	// descriptors. An interrupted wait returns no descriptors and no error.
	Wait(timeout int) ([]int, error)
	Close() error
}
