package coordinator

// Status is the terminal outcome of handling one message.
type Status string

const (
	// StatusCompleted means the inference call succeeded and Reply is
	// populated.
	StatusCompleted Status = "completed"

	// StatusBusy means the conversation already had a call in flight.
	// Expected and frequent; not an error condition.
	StatusBusy Status = "busy"

	// StatusLockTimeout means a waiting acquire gave up before the
	// conversation freed up. The lock was never held.
	StatusLockTimeout Status = "lock_timeout"

	// StatusTimedOut means the inference call exceeded its deadline.
	// The lock is guaranteed free afterward; the user may retry.
	StatusTimedOut Status = "timed_out"

	// StatusFailed means the inference backend returned an error or the
	// request was cancelled. The lock is guaranteed free afterward.
	StatusFailed Status = "failed"
)

// Result is what the coordinator returns for one message. Busy and
// LockTimeout carry no error; TimedOut and Failed carry the cause in
// Err. None of them is fatal to the process.
type Result struct {
	Status Status
	Reply  string
	Model  string
	Err    error
}

// OK reports whether the message produced a reply.
func (r Result) OK() bool {
	return r.Status == StatusCompleted
}
