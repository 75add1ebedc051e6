package bus

import "github.com/Le-Riz/IBEF-Backend/models"

// SerialLine is one raw line received from a sensor's serial port, before
// any parsing. Published on TopicSerialData by the reader tasks and the
// port rediscovery path.
type SerialLine struct {
	SensorID models.SensorID
	Line     string
}

// Command actions understood by the sensor manager.
const (
	ActionZero = "zero"
)

// Command is an operator instruction targeting one sensor, published on
// TopicSensorCommand.
type Command struct {
	Action   string
	SensorID models.SensorID
}
