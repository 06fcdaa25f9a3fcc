package gira

import (
	"encoding/json"
	"fmt"
)

// UIConfig is the part of the device UI configuration the bridge reads.
// The full document stays available in Raw.
type UIConfig struct {
	UID       string          `json:"uid"`
	Functions []Function      `json:"functions"`
	Raw       json.RawMessage `json:"-"`

	byUID map[string]dataPointRef
}

// Function is a configured device function such as a dimmer or blind.
type Function struct {
	UID          string      `json:"uid"`
	DisplayName  string      `json:"displayName"`
	FunctionType string      `json:"functionType"`
	ChannelType  string      `json:"channelType"`
	DataPoints   []DataPoint `json:"dataPoints"`
}

// DataPoint is one addressable value of a function.
type DataPoint struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

type dataPointRef struct {
	fn, dp int
}

// ParseUIConfig decodes a uiconfig document and indexes its data points.
func ParseUIConfig(raw json.RawMessage) (*UIConfig, error) {
	var cfg UIConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding uiconfig: %w", ErrProtocol, err)
	}

	cfg.Raw = append(json.RawMessage(nil), raw...)
	cfg.byUID = make(map[string]dataPointRef)
	for i, fn := range cfg.Functions {
		for j, dp := range fn.DataPoints {
			if dp.UID != "" {
				cfg.byUID[dp.UID] = dataPointRef{fn: i, dp: j}
			}
		}
	}
	return &cfg, nil
}

// DataPoint looks up a data point by UID along with its function.
func (c *UIConfig) DataPoint(uid string) (Function, DataPoint, bool) {
	if c == nil {
		return Function{}, DataPoint{}, false
	}
	ref, ok := c.byUID[uid]
	if !ok {
		return Function{}, DataPoint{}, false
	}
	fn := c.Functions[ref.fn]
	return fn, fn.DataPoints[ref.dp], true
}

// DataPointCount returns the number of indexed data points.
func (c *UIConfig) DataPointCount() int {
	if c == nil {
		return 0
	}
	return len(c.byUID)
}
