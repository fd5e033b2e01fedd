package resilience

import "sync"

// NetworkMonitor is the single source of truth for connectivity. State is
// pushed in via SetOnline (by whatever watches the transport) and observed
// through Online and Subscribe; nothing reads an ambient global.
type NetworkMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func NewNetworkMonitor(initiallyOnline bool) *NetworkMonitor {
	return &NetworkMonitor{online: initiallyOnline}
}

func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the new connectivity state and notifies subscribers
// on every transition. Notifications are non-blocking; a subscriber that
// hasn't drained its channel just coalesces transitions.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	for _, sub := range m.subs {
		select {
		case sub <- online:
		default:
		}
	}
}

// Subscribe returns a channel that receives the new state on each
// offline<->online transition.
func (m *NetworkMonitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := make(chan bool, 1)
	m.subs = append(m.subs, sub)
	return sub
}
