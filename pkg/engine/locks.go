package engine

import "sync"

// LockResult is the outcome of a lock acquisition.
type LockResult int

const (
	// LockGranted means the caller now holds the machine lock.
	LockGranted LockResult = iota

	// LockQueued means the caller is waiting behind another deployment.
	LockQueued
)

// String returns the name of the result.
func (r LockResult) String() string {
	if r == LockGranted {
		return "granted"
	}
	return "queued"
}

// GrantFunc is called when a queued deployment is promoted to lock holder.
type GrantFunc func(machineID, deploymentID string)

// LockManager guarantees at most one active deployment per machine. Waiters
// are served in FIFO order per machine.
type LockManager struct {
	mu       sync.Mutex
	machines map[string]*machineLock
	onGrant  GrantFunc
}

type machineLock struct {
	holder string
	queue  []string
}

// NewLockManager creates a lock manager. onGrant may be nil.
func NewLockManager(onGrant GrantFunc) *LockManager {
	return &LockManager{
		machines: make(map[string]*machineLock),
		onGrant:  onGrant,
	}
}

// Acquire grants the machine lock to the deployment or queues it.
// Acquiring again for the current holder or an already queued deployment
// returns the existing result.
func (l *LockManager) Acquire(machineID, deploymentID string) LockResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	ml, ok := l.machines[machineID]
	if !ok {
		l.machines[machineID] = &machineLock{holder: deploymentID}
		return LockGranted
	}
	if ml.holder == deploymentID {
		return LockGranted
	}
	for _, id := range ml.queue {
		if id == deploymentID {
			return LockQueued
		}
	}
	ml.queue = append(ml.queue, deploymentID)
	return LockQueued
}

// Release gives up the machine lock and promotes the next waiter, if any.
// Releasing an unheld lock is a no-op.
func (l *LockManager) Release(machineID string) {
	l.mu.Lock()
	ml, ok := l.machines[machineID]
	if !ok {
		l.mu.Unlock()
		return
	}
	next := l.promote(machineID, ml)
	l.mu.Unlock()

	if next != "" && l.onGrant != nil {
		l.onGrant(machineID, next)
	}
}

// ReleaseIfHeld releases the lock only if deploymentID currently holds it.
// It returns false without side effects otherwise.
func (l *LockManager) ReleaseIfHeld(machineID, deploymentID string) bool {
	l.mu.Lock()
	ml, ok := l.machines[machineID]
	if !ok || ml.holder != deploymentID {
		l.mu.Unlock()
		return false
	}
	next := l.promote(machineID, ml)
	l.mu.Unlock()

	if next != "" && l.onGrant != nil {
		l.onGrant(machineID, next)
	}
	return true
}

// promote hands the lock to the head of the queue. Callers hold l.mu.
func (l *LockManager) promote(machineID string, ml *machineLock) string {
	if len(ml.queue) == 0 {
		delete(l.machines, machineID)
		return ""
	}
	ml.holder = ml.queue[0]
	ml.queue = ml.queue[1:]
	return ml.holder
}

// Remove drops a queued deployment from the machine's wait queue. It returns
// false if the deployment was not queued.
func (l *LockManager) Remove(machineID, deploymentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ml, ok := l.machines[machineID]
	if !ok {
		return false
	}
	for i, id := range ml.queue {
		if id == deploymentID {
			ml.queue = append(ml.queue[:i], ml.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Holder returns the deployment holding the machine lock.
func (l *LockManager) Holder(machineID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ml, ok := l.machines[machineID]
	if !ok {
		return "", false
	}
	return ml.holder, true
}

// Waiting returns the queued deployments for a machine in service order.
func (l *LockManager) Waiting(machineID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ml, ok := l.machines[machineID]
	if !ok {
		return nil
	}
	return append([]string(nil), ml.queue...)
}

// TotalWaiting returns the number of queued deployments across all machines.
func (l *LockManager) TotalWaiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ml := range l.machines {
		n += len(ml.queue)
	}
	return n
}
