package protocol

import "fmt"

// Command is a user intent that maps to exactly one characteristic write.
type Command interface {
	command()
	// Name is a short identifier used in logs and events.
	Name() string
}

// SetOutput opens (true) or closes (false) the actuator.
type SetOutput struct {
	Open bool
}

// AdjustSpeed moves the stored motor speed by Delta relative to the last
// known reading.
type AdjustSpeed struct {
	Delta int
}

// SetCourse sets the travel course in centimeters.
type SetCourse struct {
	Centimeters float64
}

// RequestParameterRefresh asks the firmware to push its parameters again.
type RequestParameterRefresh struct{}

// DebugMarker writes a raw debug code. See the Debug* constants.
type DebugMarker struct {
	Code string
}

// Debug marker codes understood by the firmware.
const (
	DebugClear = "R"
	DebugOpen  = "\x00"
	DebugClose = "1"
)

func (SetOutput) command()               {}
func (AdjustSpeed) command()             {}
func (SetCourse) command()               {}
func (RequestParameterRefresh) command() {}
func (DebugMarker) command()             {}

func (c SetOutput) Name() string {
	if c.Open {
		return "open"
	}
	return "close"
}

func (AdjustSpeed) Name() string             { return "speed" }
func (SetCourse) Name() string               { return "course" }
func (RequestParameterRefresh) Name() string { return "refresh" }
func (DebugMarker) Name() string             { return "debug" }

func (c AdjustSpeed) String() string { return fmt.Sprintf("speed(%+d)", c.Delta) }
func (c SetCourse) String() string   { return fmt.Sprintf("course(%gcm)", c.Centimeters) }
func (c DebugMarker) String() string { return fmt.Sprintf("debug(%q)", c.Code) }
func (c SetOutput) String() string   { return c.Name() }

// Telemetry is a value decoded from a notification.
type Telemetry interface {
	telemetry()
}

// SpeedReading is the motor speed stored on the peripheral.
type SpeedReading struct {
	Value uint64 `json:"value"`
}

func (SpeedReading) telemetry() {}

// WriteMode selects how a characteristic write is acknowledged.
type WriteMode int

const (
	// WithResponse waits for the peripheral to acknowledge the write.
	WithResponse WriteMode = iota
	// WithoutResponse sends the write without acknowledgment.
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}
