// Package bookside holds the two-value Side enum shared by every layer of
// the book: pricelevels, deltacodec, bookengine and reconstructor all speak
// the same Bid/Ask values so a delta can cross package boundaries without
// translation.
package bookside

// Side identifies which half of a book a level, delta or order belongs to.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// Of maps the wire convention (is_ask boolean) onto Side.
func Of(isAsk bool) Side {
	if isAsk {
		return Ask
	}
	return Bid
}

func (s Side) IsAsk() bool {
	return s == Ask
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}
