// Package locator provides the immutable value identity used to key
// per-characteristic state across the coordinator: a (service, characteristic)
// UUID pair.
package locator

import "strings"

// NormalizeUUID converts a UUID string to the internal lookup format
// (lowercase, no dashes). Handles both standard UUID format (with dashes)
// and an already-normalized form.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Locator identifies a characteristic by its parent service UUID and its own
// UUID. Equality is componentwise on the normalized form, so a
// Locator is safe to use as a map key regardless of how the caller cased or
// dashed the UUIDs it was built from.
type Locator struct {
	ServiceUUID        string
	CharacteristicUUID string
}

// New builds a Locator, normalizing both UUIDs.
func New(serviceUUID, characteristicUUID string) Locator {
	return Locator{
		ServiceUUID:        NormalizeUUID(serviceUUID),
		CharacteristicUUID: NormalizeUUID(characteristicUUID),
	}
}

// String returns a human-readable "service/characteristic" form, useful in
// log fields and error messages.
func (l Locator) String() string {
	return l.ServiceUUID + "/" + l.CharacteristicUUID
}
