package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SizeConverter handles custom JSON unmarshaling for byte sizes
// It supports parsing sizes from numbers and from numeric strings
type SizeConverter int64

// UnmarshalJSON implements the json.Unmarshaler interface for SizeConverter
func (s *SizeConverter) UnmarshalJSON(data []byte) error {
	// First, try to unmarshal as a regular integer
	var direct int64
	if err := json.Unmarshal(data, &direct); err == nil {
		if direct < 0 {
			return fmt.Errorf("size must not be negative: %d", direct)
		}
		*s = SizeConverter(direct)
		return nil
	}

	// If integer unmarshaling fails, try as a string
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("size must be a number or a numeric string: %s", data)
	}

	str = strings.TrimSpace(str)
	if str == "" {
		*s = 0
		return nil
	}

	parsed, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	if parsed < 0 {
		return fmt.Errorf("size must not be negative: %d", parsed)
	}
	*s = SizeConverter(parsed)
	return nil
}

// MarshalJSON implements the json.Marshaler interface for SizeConverter
func (s SizeConverter) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}
