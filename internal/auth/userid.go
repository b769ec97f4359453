package auth

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ctfdUUIDPrefix pads a CTFd integer user id out to a full UUID. The
// last four bytes carry the id big-endian, so the mapping is stable and
// reversible.
var ctfdUUIDPrefix = [12]byte{0xc8, 0x16, 0xd3, 0x69, 0x1e, 0x9d, 0x34, 0x86, 0xb7, 0x6e, 0xff, 0xff}

// CtfdUserUUID derives the stable UUID this platform uses for a CTFd
// user id.
func CtfdUserUUID(id int32) uuid.UUID {
	var b [16]byte
	copy(b[:12], ctfdUUIDPrefix[:])
	binary.BigEndian.PutUint32(b[12:], uint32(id))
	return uuid.UUID(b)
}

// CtfdUserID inverts CtfdUserUUID. ok is false when the UUID was not
// produced by CtfdUserUUID.
func CtfdUserID(u uuid.UUID) (int32, bool) {
	for i, p := range ctfdUUIDPrefix {
		if u[i] != p {
			return 0, false
		}
	}
	return int32(binary.BigEndian.Uint32(u[12:])), true
}
