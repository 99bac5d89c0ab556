package dispatcher

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTaskTimeout bounds how long an API client waits on a worker reply.
const DefaultTaskTimeout = 1500 * time.Millisecond

// TaskState moves strictly forward; a task that completed, timed out or was
// cancelled never transitions again.
type TaskState int

const (
	TaskOpen TaskState = iota
	TaskCompleted
	TaskTimedOut
	TaskCancelled
)

// Task is one in-flight API request: the client connection it answers, the
// deadline timer, and the response being assembled from worker frames.
type Task struct {
	id       uint32
	registry *TaskRegistry

	mu        sync.Mutex
	state     TaskState
	conn      net.Conn
	timer     *time.Timer
	buf       bytes.Buffer
	remaining uint32
	prepared  bool
}

func (t *Task) ID() uint32 { return t.id }

// PrepareResponse writes the HTTP prefix for a bodySize-byte gzip payload.
// It is a no-op once the task has left the open state.
func (t *Task) PrepareResponse(bodySize uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskOpen || t.prepared {
		return
	}
	t.prepared = true
	t.remaining = bodySize
	t.buf.WriteString(taskResponsePrefix(bodySize))
}

// AppendData adds worker payload bytes. When the declared size is reached the
// response is flushed to the client and the task released. Appends racing a
// fired deadline lose: the state check under the task lock makes completion
// and timeout mutually exclusive.
func (t *Task) AppendData(data []byte) {
	t.mu.Lock()
	if t.state != TaskOpen || !t.prepared {
		t.mu.Unlock()
		return
	}
	if uint32(len(data)) > t.remaining {
		data = data[:t.remaining]
	}
	t.buf.Write(data)
	t.remaining -= uint32(len(data))
	if t.remaining > 0 {
		t.mu.Unlock()
		return
	}

	t.state = TaskCompleted
	t.timer.Stop()
	t.buf.WriteString("\r\n")
	conn := t.conn
	payload := t.buf.Bytes()
	t.mu.Unlock()

	if _, err := conn.Write(payload); err != nil {
		t.registry.log.Debug().Err(err).Uint32("task", t.id).Msg("Failed to flush task response")
	}
	conn.Close()
	t.registry.release(t.id)
}

// Complete reports whether the task has flushed its full response.
func (t *Task) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskCompleted
}

// Cancel is invoked when the originating API connection goes away first.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.state != TaskOpen {
		t.mu.Unlock()
		return
	}
	t.state = TaskCancelled
	t.timer.Stop()
	t.mu.Unlock()
	t.registry.release(t.id)
}

func (t *Task) timeout() {
	t.mu.Lock()
	if t.state != TaskOpen {
		t.mu.Unlock()
		return
	}
	t.state = TaskTimedOut
	conn := t.conn
	t.mu.Unlock()

	if _, err := conn.Write(responseTimeout()); err != nil {
		t.registry.log.Debug().Err(err).Uint32("task", t.id).Msg("Failed to write 408")
	}
	conn.Close()
	t.registry.release(t.id)
}

// TaskRegistry owns every live task, keyed by a wrapping 32-bit counter.
type TaskRegistry struct {
	mu      sync.Mutex
	nextID  uint32
	tasks   map[uint32]*Task
	timeout time.Duration
	log     zerolog.Logger
}

func NewTaskRegistry(timeout time.Duration, log zerolog.Logger) *TaskRegistry {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &TaskRegistry{
		tasks:   make(map[uint32]*Task),
		timeout: timeout,
		log:     log,
	}
}

// Create allocates a task bound to conn and arms its deadline.
func (r *TaskRegistry) Create(conn net.Conn) *Task {
	r.mu.Lock()
	id := r.nextID
	r.nextID++ // wraps at 2^32 by construction
	t := &Task{id: id, registry: r, conn: conn}
	r.tasks[id] = t
	r.mu.Unlock()

	t.timer = time.AfterFunc(r.timeout, t.timeout)
	return t
}

func (r *TaskRegistry) Find(id uint32) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *TaskRegistry) release(id uint32) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}
