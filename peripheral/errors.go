package peripheral

import "fmt"

// NotPresent reports that Characteristic is unknown, its parent service is
// missing, or the peripheral disconnected mid-request (spec section 7).
type NotPresent struct {
	Characteristic string
}

func (e *NotPresent) Error() string {
	return fmt.Sprintf("characteristic %q not present", e.Characteristic)
}

// Is allows errors.Is(err, &NotPresent{}) to match any NotPresent value,
// mirroring the teacher's ConnectionError.Is comparing by tag rather than
// by exact field values.
func (e *NotPresent) Is(target error) bool {
	_, ok := target.(*NotPresent)
	return ok
}

// TransportError is a verbatim passthrough of an error the host stack
// reported (link loss, ATT errors, encryption failure). The coordinator
// never synthesizes one of these; it only wraps what the host gave it.
type TransportError struct {
	Characteristic string
	Err            error
}

func (e *TransportError) Error() string {
	if e.Characteristic == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error on %q: %v", e.Characteristic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// OrphanedPeripheral describes a coordinator whose central back-reference
// has been dropped. The coordinator never constructs or returns it: when
// Central.Alive reports false, Connect and Disconnect log a warning and
// return nil (spec section 7).
type OrphanedPeripheral struct{}

func (e *OrphanedPeripheral) Error() string { return "peripheral has no live central reference" }
