package channel

import "github.com/ebfe/scard"

// readerStates is a thin helper over a slice of scard.ReaderState, used by
// PCSCChannel's detection loop to tell "reader list changed" apart from
// "card appeared/disappeared on a reader we already knew about".
type readerStates []scard.ReaderState

func (rs readerStates) contains(reader string) bool {
	for _, s := range rs {
		if s.Reader == reader {
			return true
		}
	}
	return false
}

func (rs readerStates) readerHasCard(reader string) bool {
	for _, s := range rs {
		if s.Reader == reader && s.EventState&scard.StatePresent != 0 {
			return true
		}
	}
	return false
}

func (rs readerStates) indexWithCard() (int, bool) {
	for i := range rs {
		if rs[i].EventState&scard.StatePresent != 0 {
			// Only one active card at a time (spec §1 Non-goals).
			return i, true
		}
	}
	return -1, false
}

func (rs readerStates) empty() bool {
	return len(rs) == 0
}

func (rs readerStates) updateCurrent() {
	for i := range rs {
		rs[i].CurrentState = rs[i].EventState
	}
}
