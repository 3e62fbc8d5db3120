package eventmodels

// Topic is a named channel on the bus.
type Topic string

const (
	SensorDataTopic Topic = "sensor_data"
	ActionTopic     Topic = "action"
)

func (t Topic) String() string {
	return string(t)
}
