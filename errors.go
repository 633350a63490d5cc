package sensorkit

// ErrorCategory classifies why a sensor failed to come up.
type ErrorCategory string

const (
	// ErrorBusInit: the underlying bus could not be brought up.
	ErrorBusInit ErrorCategory = "bus_init"
	// ErrorNoDevice: the bus works but no device answered after retries.
	ErrorNoDevice ErrorCategory = "no_device"
	// ErrorConfig: the sensor is enabled but its configuration is unusable;
	// retrying cannot help.
	ErrorConfig ErrorCategory = "configuration"
)

// SensorError records one sensor's initialization failure. The affected
// sensor is simply absent from scheduling, the rest of the system runs on.
type SensorError struct {
	Sensor   string        `json:"sensor"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Retries  int           `json:"retries"`
}
