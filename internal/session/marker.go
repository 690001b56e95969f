package session

import "sync"

// Process-wide active-call marker. The surrounding application shell
// reads it to offer "return to call"; only the session controller
// writes it.
var (
	activeMu  sync.Mutex
	activeKey string
)

func setActive(key string) {
	activeMu.Lock()
	defer activeMu.Unlock()
	activeKey = key
}

func clearActive(key string) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeKey == key {
		activeKey = ""
	}
}

// ActiveCallKey returns the room key of the session currently in
// progress, or "" when none.
func ActiveCallKey() string {
	activeMu.Lock()
	defer activeMu.Unlock()
	return activeKey
}
