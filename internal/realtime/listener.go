package realtime

import (
	"sync"

	"github.com/meetmind/server/domain/entities"
)

// Listener observes a Session. Methods are called in the order the underlying
// transitions happen, never concurrently, and without the session lock held.
type Listener interface {
	OnStatusChange(status Status)
	OnSentence(sentence entities.Sentence)
	OnInterim(text string, elapsedMs int64)
	OnError(err error)
	OnTaskStarted()
	OnTaskFinished()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	StatusChange func(Status)
	Sentence     func(entities.Sentence)
	Interim      func(text string, elapsedMs int64)
	Error        func(error)
	TaskStarted  func()
	TaskFinished func()
}

func (f ListenerFuncs) OnStatusChange(status Status) {
	if f.StatusChange != nil {
		f.StatusChange(status)
	}
}

func (f ListenerFuncs) OnSentence(sentence entities.Sentence) {
	if f.Sentence != nil {
		f.Sentence(sentence)
	}
}

func (f ListenerFuncs) OnInterim(text string, elapsedMs int64) {
	if f.Interim != nil {
		f.Interim(text, elapsedMs)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ListenerFuncs) OnTaskStarted() {
	if f.TaskStarted != nil {
		f.TaskStarted()
	}
}

func (f ListenerFuncs) OnTaskFinished() {
	if f.TaskFinished != nil {
		f.TaskFinished()
	}
}

type notificationKind int

const (
	notifyStatus notificationKind = iota
	notifySentence
	notifyInterim
	notifyError
	notifyTaskStarted
	notifyTaskFinished
)

type notification struct {
	kind      notificationKind
	status    Status
	sentence  entities.Sentence
	text      string
	elapsedMs int64
	err       error
}

// publisher queues notifications inside state transitions and delivers them
// afterwards, outside the session lock, preserving queue order.
type publisher struct {
	mu       sync.Mutex
	listener Listener
	pending  []notification

	// held by the goroutine currently delivering
	delivering sync.Mutex
}

func (p *publisher) setListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *publisher) enqueue(n notification) {
	p.mu.Lock()
	p.pending = append(p.pending, n)
	p.mu.Unlock()
}

// flush delivers queued notifications. If another goroutine, or an outer frame
// of this one, is already delivering, it leaves the queue to that deliverer.
func (p *publisher) flush() {
	for {
		if !p.delivering.TryLock() {
			return
		}
		for {
			n, l, ok := p.next()
			if !ok {
				break
			}
			if l != nil {
				deliver(l, n)
			}
		}
		p.delivering.Unlock()

		// an enqueue may have lost the TryLock race just before Unlock
		p.mu.Lock()
		empty := len(p.pending) == 0
		p.mu.Unlock()
		if empty {
			return
		}
	}
}

func (p *publisher) next() (notification, Listener, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return notification{}, nil, false
	}
	n := p.pending[0]
	p.pending = p.pending[1:]
	return n, p.listener, true
}

func deliver(l Listener, n notification) {
	switch n.kind {
	case notifyStatus:
		l.OnStatusChange(n.status)
	case notifySentence:
		l.OnSentence(n.sentence)
	case notifyInterim:
		l.OnInterim(n.text, n.elapsedMs)
	case notifyError:
		l.OnError(n.err)
	case notifyTaskStarted:
		l.OnTaskStarted()
	case notifyTaskFinished:
		l.OnTaskFinished()
	}
}
