// Package menu arbitrates which device currently controls the shared menu
// focus (selected category, selected product, scroll target).
//
// Pure last-write-wins by timestamp is not enough here: device clocks are
// not synchronized, and every broadcast comes back as an echo. Authority
// plus two time windows solve both problems. A short suppression window
// filters the echo of our own broadcast; a longer local-precedence window
// keeps a remote device from stealing focus out from under an operator
// mid-interaction.
package menu

import (
	"sync"
	"time"
)

// EchoSuppression is how long incoming remote focus events are ignored
// after a local change, so our own broadcast reflected by the channel is
// not misread as a conflicting remote change.
const EchoSuppression = 500 * time.Millisecond

// LocalPrecedence is how long a local change outranks remote changes from
// a different authority.
const LocalPrecedence = 2 * time.Second

// State is the shared menu focus. Empty fields mean no selection.
type State struct {
	SelectedCategory  string
	SelectedProductID string
	ScrollTarget      string
}

// Remote is a focus change received from the peer.
type Remote struct {
	State     State
	Authority string
	Timestamp time.Time
}

// Authority tracks focus state and decides which changes win. At most one
// device is authoritative at any instant; authority transfers through
// accepted changes and through the explicit reset calls, never through
// negotiation.
type Authority struct {
	mu        sync.Mutex
	deviceID  string
	now       func() time.Time
	broadcast func(State, time.Time)

	state       State
	authorityID string
	lastChange  time.Time

	suppressUntil time.Time
	localUntil    time.Time

	stable bool
	queued *Remote
}

// NewAuthority creates an authority for the given device. broadcast is
// invoked outside the lock with the new state and its timestamp whenever a
// local change is applied; it may be nil. The connection starts stable.
func NewAuthority(deviceID string, broadcast func(State, time.Time)) *Authority {
	return &Authority{
		deviceID:  deviceID,
		now:       time.Now,
		broadcast: broadcast,
		stable:    true,
	}
}

// UpdateLocal applies a local focus change, takes authority, broadcasts,
// and opens the echo-suppression and local-precedence windows.
func (a *Authority) UpdateLocal(mutate func(*State)) {
	a.mu.Lock()
	mutate(&a.state)
	ts := a.now()
	a.authorityID = a.deviceID
	a.lastChange = ts
	a.suppressUntil = ts.Add(EchoSuppression)
	a.localUntil = ts.Add(LocalPrecedence)
	state := a.state
	broadcast := a.broadcast
	a.mu.Unlock()

	if broadcast != nil {
		broadcast(state, ts)
	}
}

// SelectCategory sets the focused category and clears the product focus.
func (a *Authority) SelectCategory(name string) {
	a.UpdateLocal(func(s *State) {
		s.SelectedCategory = name
		s.SelectedProductID = ""
	})
}

// SelectProduct sets the focused product.
func (a *Authority) SelectProduct(id string) {
	a.UpdateLocal(func(s *State) { s.SelectedProductID = id })
}

// ScrollTo sets the scroll target.
func (a *Authority) ScrollTo(target string) {
	a.UpdateLocal(func(s *State) { s.ScrollTarget = target })
}

// ClearSelection drops all focus.
func (a *Authority) ClearSelection() {
	a.UpdateLocal(func(s *State) { *s = State{} })
}

// ApplyRemote offers a remote focus change. It reports whether the change
// was applied. While the connection is unstable the change is queued
// (latest wins) instead, and replayed by SetConnectionStable(true).
func (a *Authority) ApplyRemote(r Remote) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.stable {
		queued := r
		a.queued = &queued
		return false
	}
	return a.applyRemoteLocked(r)
}

func (a *Authority) applyRemoteLocked(r Remote) bool {
	now := a.now()
	if now.Before(a.suppressUntil) {
		return false
	}
	if r.Authority == a.authorityID && !r.Timestamp.After(a.lastChange) {
		return false
	}
	if a.authorityID == a.deviceID && r.Authority != a.deviceID && now.Before(a.localUntil) {
		return false
	}

	a.state = r.State
	a.authorityID = r.Authority
	a.lastChange = r.Timestamp
	return true
}

// SetConnectionStable marks the channel stable or unstable. Turning stable
// replays the most recent queued remote change through the normal rules.
func (a *Authority) SetConnectionStable(stable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stable = stable
	if !stable || a.queued == nil {
		return
	}
	queued := *a.queued
	a.queued = nil
	a.applyRemoteLocked(queued)
}

// ResetToLocalControl hands authority to this device without opening the
// precedence windows. Used when entering local-fallback mode.
func (a *Authority) ResetToLocalControl() {
	a.mu.Lock()
	a.authorityID = a.deviceID
	a.lastChange = a.now()
	a.suppressUntil = time.Time{}
	a.localUntil = time.Time{}
	a.queued = nil
	a.mu.Unlock()
}

// ResetToRemoteControl relinquishes authority so the next remote change is
// accepted unconditionally. Used when leaving local-fallback mode.
func (a *Authority) ResetToRemoteControl() {
	a.mu.Lock()
	a.authorityID = ""
	a.lastChange = time.Time{}
	a.suppressUntil = time.Time{}
	a.localUntil = time.Time{}
	a.queued = nil
	a.mu.Unlock()
}

// State returns the current focus.
func (a *Authority) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AuthorityID returns the device currently holding authority, or empty
// when none does.
func (a *Authority) AuthorityID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authorityID
}
