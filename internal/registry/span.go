package registry

// Span is a window (Offset, Length) inside one buffer. Spans are values;
// Advance returns a new one.
type Span struct {
	Offset int
	Length int
}

// Advance drops the first n bytes. n larger than Length yields an empty span.
func (s Span) Advance(n int) Span {
	if n >= s.Length {
		return Span{Offset: s.Offset + s.Length}
	}
	if n <= 0 {
		return s
	}
	return Span{Offset: s.Offset + n, Length: s.Length - n}
}

func (s Span) End() int    { return s.Offset + s.Length }
func (s Span) Empty() bool { return s.Length == 0 }
