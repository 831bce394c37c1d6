package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count that reads from "10MB", "512KiB" or a plain number.
type Size uint64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
)

var sizeUnits = map[string]Size{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"kib": KB,
	"m":   MB,
	"mb":  MB,
	"mib": MB,
	"g":   GB,
	"gb":  GB,
	"gib": GB,
	"t":   TB,
	"tb":  TB,
	"tib": TB,
}

func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("size %q does not start with a number", s)
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	unit, ok := sizeUnits[strings.ToLower(strings.TrimSpace(s[i:]))]
	if !ok {
		return 0, fmt.Errorf("size %q has unknown unit", s)
	}
	return Size(n * float64(unit)), nil
}

func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	switch {
	case s == 0:
		return "0B"
	case s%GB == 0:
		return fmt.Sprintf("%dGB", s/GB)
	case s%MB == 0:
		return fmt.Sprintf("%dMB", s/MB)
	case s%KB == 0:
		return fmt.Sprintf("%dKB", s/KB)
	}
	return fmt.Sprintf("%dB", uint64(s))
}

func (s *Size) UnmarshalYAML(data []byte) error {
	v, err := ParseSize(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalJSON accepts both a number and a quoted human readable size.
func (s *Size) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("size: %w", err)
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
