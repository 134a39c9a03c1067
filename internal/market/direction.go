package market

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL, for price-offset math.
func (d Direction) Sign() int {
	if d == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether the direction is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}
