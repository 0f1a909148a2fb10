package processor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AlertState is the danger level shown for a stream.
type AlertState int

const (
	Safe AlertState = iota
	// Warning is accepted everywhere but no transition produces it yet.
	Warning
	Danger
)

func (s AlertState) String() string {
	switch s {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case Danger:
		return "danger"
	default:
		return fmt.Sprintf("AlertState(%d)", int(s))
	}
}

// StatusText is the human readable status line for the level.
func (s AlertState) StatusText() string {
	switch s {
	case Danger:
		return "KNIFE DETECTED"
	case Warning:
		return "possible weapon"
	default:
		return "no visible detections"
	}
}

func (s AlertState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseAlertState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseAlertState(name string) (AlertState, error) {
	switch strings.ToLower(name) {
	case "safe":
		return Safe, nil
	case "warning":
		return Warning, nil
	case "danger":
		return Danger, nil
	default:
		return Safe, fmt.Errorf("unknown alert state %q", name)
	}
}
