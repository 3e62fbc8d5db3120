package eventmodels

import (
	"fmt"
	"time"
)

type ChangeKind int

const (
	Put ChangeKind = iota
)

func (k ChangeKind) String() string {
	switch k {
	case Put:
		return "Put"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one publication observed by a subscription.
type Change struct {
	Kind      ChangeKind
	Topic     Topic
	Payload   []byte
	Timestamp time.Time
}
