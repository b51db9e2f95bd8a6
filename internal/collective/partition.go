package collective

// Interval is the half-open range [Begin, End).
type Interval struct {
	Begin int
	End   int
}

func (i Interval) Len() int {
	return i.End - i.Begin
}

// EvenPartition splits [0, n) into k contiguous intervals whose lengths
// differ by at most one. Leading intervals get the extra elements.
func EvenPartition(n, k int) []Interval {
	quo := n / k
	rem := n % k
	parts := make([]Interval, k)
	offset := 0
	for i := range parts {
		size := quo
		if i < rem {
			size++
		}
		parts[i] = Interval{Begin: offset, End: offset + size}
		offset += size
	}
	return parts
}
