package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var segmentSizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
}

var segmentSizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)

// ParseSegmentSize parses a segment size given either as a plain byte count
// ("1048576") or a size with a case-insensitive B, KB, MB, or GB suffix
// ("20MB", "512kb", "1 GB").
func ParseSegmentSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("config: segment size is empty")
	}

	m := segmentSizePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return 0, fmt.Errorf("config: invalid segment size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid segment size %q: %w", s, err)
	}

	unit := strings.ToUpper(m[2])
	mult, ok := segmentSizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("config: unknown segment size unit %q in %q", m[2], s)
	}

	return int64(value * float64(mult)), nil
}

// ByteSize is a byte count that unmarshals from either a JSON/YAML number
// (a raw byte count) or a string accepted by ParseSegmentSize, so a config
// file can write "segmentSize: 20MB" as readily as "segmentSize: 20971520".
type ByteSize int64

func byteSizeFromAny(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case string:
		return ParseSegmentSize(v)
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("config: segmentSize must be a number of bytes or a string like \"20MB\", got %T", raw)
	}
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n, err := byteSizeFromAny(raw)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := byteSizeFromAny(raw)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}
