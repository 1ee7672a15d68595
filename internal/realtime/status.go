package realtime

// Status is the lifecycle state of a Session
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusTranscribing Status = "transcribing"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Terminal reports whether no further transition can leave this status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Quiescent reports whether the session holds no channel and is not waiting on one.
func (s Status) Quiescent() bool {
	return s == StatusIdle || s == StatusStopped
}

func (s Status) String() string {
	return string(s)
}
