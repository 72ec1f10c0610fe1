package efi

import "github.com/google/uuid"

// GUID identifies a protocol, an event group, or a configuration table
// entry. Backed by github.com/google/uuid rather than a bespoke 16-byte
// array type so that GUID parsing/formatting/equality all come from the
// same well-tested library.
type GUID = uuid.UUID

// MustGUID parses a canonical GUID string, panicking on malformed input. It
// is meant for package-level var declarations of well-known GUIDs, where a
// malformed literal is a programming error caught at init time.
func MustGUID(s string) GUID {
	return uuid.MustParse(s)
}

// NilGUID is the all-zero GUID, used as a "no value" sentinel.
var NilGUID = uuid.Nil

// Well-known event group GUIDs.
var (
	EventGroupExitBootServices    = MustGUID("27abf055-b1b8-4c26-8048-748f37baa2df")
	EventGroupVirtualAddressChange = MustGUID("13fa7698-c831-49c7-87ea-8f43fcc25196")
)
