package tags

// MotorOverview is one motor record of the backend's motor overview stream.
// Status and Fault are non-zero when the motor is running or faulted.
type MotorOverview struct {
	Name    string  `json:"name"`
	CCM     string  `json:"ccm"`
	Status  float64 `json:"status"`
	Current float64 `json:"current"`
	Fault   float64 `json:"fault"`
	Hours   float64 `json:"hours"`
}
