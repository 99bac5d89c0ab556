package dispatcher

import (
	"fmt"
	"strings"
	"sync"
)

// Credentials is one upstream account a worker logs in with.
type Credentials struct {
	Username string
	Password string
}

// CredentialPool hands out accounts FIFO. Workers borrow on subscribe and
// return on disconnect, so the multiset of borrowed plus available accounts
// always equals the configured set.
type CredentialPool struct {
	mu       sync.Mutex
	accounts []Credentials
}

func NewCredentialPool(accounts []Credentials) *CredentialPool {
	pool := &CredentialPool{accounts: make([]Credentials, len(accounts))}
	copy(pool.accounts, accounts)
	return pool
}

// Borrow pops the front account.
func (p *CredentialPool) Borrow() (Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) == 0 {
		return Credentials{}, false
	}
	c := p.accounts[0]
	p.accounts = p.accounts[1:]
	return c, true
}

// Return pushes an account back to the front.
func (p *CredentialPool) Return(c Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = append([]Credentials{c}, p.accounts...)
}

func (p *CredentialPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// WorkerRegistry tracks attached workers in subscription order and serves
// round-robin dispatch.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers []*WorkerConn
	cursor  int
}

func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{}
}

func (r *WorkerRegistry) Subscribe(w *WorkerConn) {
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
}

func (r *WorkerRegistry) Unsubscribe(uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.workers {
		if w.uid == uid {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			if r.cursor >= len(r.workers) {
				r.cursor = 0
			}
			return
		}
	}
}

// GetAt is the bounds-checked positional accessor used by the admin routes.
func (r *WorkerRegistry) GetAt(idx int) *WorkerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.workers) {
		return nil
	}
	return r.workers[idx]
}

// NextAvailable advances the cursor and returns the worker under it.
func (r *WorkerRegistry) NextAvailable() *WorkerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return nil
	}
	r.cursor++
	if r.cursor >= len(r.workers) {
		r.cursor = 0
	}
	return r.workers[r.cursor]
}

func (r *WorkerRegistry) HasAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers) > 0
}

func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Inventory renders the /server/status JSON body.
func (r *WorkerRegistry) Inventory() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.WriteString(`{"code":200,"workers":[`)
	for i, w := range r.workers {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"uid":%d, "address":"%s"}`, i, w.remoteIP())
	}
	b.WriteString("]}")
	return b.String()
}
