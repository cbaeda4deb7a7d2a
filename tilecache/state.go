package tilecache

// State is the lifecycle stage of a cache entry. States are numbered in
// the only order an entry can move through them.
type State uint8

const (
	Requested State = iota + 1
	Fetching
	Decoding
	Ready
	FetchFailed
	DecodeFailed
	Evicted
)

var stateNames = [...]string{
	Requested:    "requested",
	Fetching:     "fetching",
	Decoding:     "decoding",
	Ready:        "ready",
	FetchFailed:  "fetch_failed",
	DecodeFailed: "decode_failed",
	Evicted:      "evicted",
}

func (s State) String() string {
	if int(s) < len(stateNames) && stateNames[s] != "" {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further work is scheduled for the entry.
func (s State) Terminal() bool {
	return s >= Ready
}

// Pending reports whether the entry is still being loaded.
func (s State) Pending() bool {
	return s >= Requested && s < Ready
}

// canTransition lists the legal edges of the state machine.
func canTransition(from, to State) bool {
	switch to {
	case Fetching:
		return from == Requested
	case Decoding, FetchFailed:
		return from == Fetching
	case Ready, DecodeFailed:
		return from == Decoding
	case Evicted:
		return from != Evicted
	default:
		return false
	}
}
