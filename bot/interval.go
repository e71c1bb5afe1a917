package bot

// Adaptive polling constants. The floor and ceiling bound every computed
// interval; after ActiveThreshold consecutive empty polls the cadence backs
// off geometrically, and snaps straight back to the platform's recommended
// interval the moment a message arrives.
const (
	MinPollingIntervalMillis = 2000
	MaxPollingIntervalMillis = 30000
	IdleMultiplier           = 4
	ActiveThreshold          = 3
)

// NextPollingInterval computes the delay before the next poll, in
// milliseconds, always within [MinPollingIntervalMillis, MaxPollingIntervalMillis].
// platformRecommended may be zero or negative when the platform gave no hint.
func NextPollingInterval(currentInterval, consecutiveEmptyPolls, platformRecommended int) int {
	// Never poll faster than the platform allows or the configured floor.
	base := platformRecommended
	if base < MinPollingIntervalMillis {
		base = MinPollingIntervalMillis
	}
	if base > MaxPollingIntervalMillis {
		base = MaxPollingIntervalMillis
	}

	if consecutiveEmptyPolls >= ActiveThreshold {
		next := currentInterval * IdleMultiplier
		if next > MaxPollingIntervalMillis {
			next = MaxPollingIntervalMillis
		}
		if next < base {
			next = base
		}
		return next
	}

	return base
}

// IsChatActive reports whether the chat is considered active, for status
// display.
func IsChatActive(consecutiveEmptyPolls int) bool {
	return consecutiveEmptyPolls < ActiveThreshold
}
