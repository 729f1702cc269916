package main

import "errors"

// ErrConnectionLost indicates the coordinator reported a disconnect while a
// command was waiting on a response.
var ErrConnectionLost = errors.New("connection lost")
