package model

import "github.com/google/uuid"

// Entity id prefixes. Every identifier in the system is "<prefix>-<uuid>",
// which makes log lines and database rows self-describing.
const (
	PrefixMission    = "msn"
	PrefixSortie     = "srt"
	PrefixCheckpoint = "chk"
	PrefixLock       = "lock"
	PrefixEvent      = "evt"
	PrefixSpecialist = "spc"
	PrefixMailbox    = "mbx"
	PrefixMessage    = "msg"
	PrefixCursor     = "cur"
	PrefixConflict   = "cfl"
)

// NewID returns a fresh prefixed identifier, e.g. NewID(PrefixMission) →
// "msn-4f1c…".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
