package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count that decodes from strings like "64M", "1G", "512K"
type Size int64

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseSize parses a size string like "64M", "1G", "512K". A trailing "B"
// or "iB" is accepted and ignored; suffixes are binary.
func ParseSize(s string) (Size, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	str = strings.TrimSuffix(str, "IB")
	if len(str) > 1 {
		str = strings.TrimSuffix(str, "B")
	}

	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(str, u.suffix) {
			shift = u.shift
			str = strings.TrimSuffix(str, u.suffix)
			break
		}
	}

	num, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	if shift > 0 && num > (1<<63-1)>>shift {
		return 0, fmt.Errorf("invalid size %q: overflows", s)
	}
	return Size(num << shift), nil
}

// FormatSize renders n in the largest unit that divides it exactly, so the
// result parses back to n.
func FormatSize(n Size) string {
	if n == 0 {
		return "0"
	}
	for _, u := range sizeUnits {
		if n%(1<<u.shift) == 0 {
			return fmt.Sprintf("%d%s", n>>u.shift, u.suffix)
		}
	}
	return strconv.FormatInt(int64(n), 10)
}

func (s Size) String() string { return FormatSize(s) }

// Int returns the size as an int
func (s Size) Int() int { return int(s) }
