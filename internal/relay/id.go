package relay

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

// ParticipantID identifies one side of a pairing. Values stay within
// [1, 2^53-1] so they survive a round trip through a JSON number in any client.
type ParticipantID int64

const maxParticipantID = 1<<53 - 1

func (id ParticipantID) String() string { return strconv.FormatInt(int64(id), 10) }

// Valid reports whether id is inside the range the registry ever hands out.
func (id ParticipantID) Valid() bool { return id >= 1 && id <= maxParticipantID }

func newParticipantID() (ParticipantID, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		v := ParticipantID(binary.BigEndian.Uint64(buf[:]) & maxParticipantID)
		if v != 0 {
			return v, nil
		}
	}
}
