package transport

import "fmt"

// UnknownNodeError is returned by Send when the target ID has not
// joined the hub.
type UnknownNodeError struct {
	ID int32
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("transport: unknown node %d", e.ID)
}

func errUnknownNode(id int32) error {
	return &UnknownNodeError{ID: id}
}
