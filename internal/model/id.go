package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for identifiers minted by this host.
// No package in the module calls it: CNI container IDs are task IDs and
// overlay files are named by CID. Task identifiers themselves are owned by
// the upstream producer and are never minted here.
func NewID() string {
	return ulid.Make().String()
}
