package eventmodels

import "fmt"

type Role string

const (
	SensorRole    Role = "sensor"
	ComputingRole Role = "computing"
	MotionRole    Role = "motion"
)

var Roles = []Role{SensorRole, ComputingRole, MotionRole}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}
