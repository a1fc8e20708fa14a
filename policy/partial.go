package policy

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vectaiot/edgeagent/decode"
)

// partialSignalNamespace seeds the deterministic hash that synthesizes
// internal partial-signal IDs, so two Managers fed the same decoder
// manifest mint the same ID for the same (parent, path) pair without
// coordinating.
var partialSignalNamespace = uuid.MustParse("6f2b9a1d-5c1e-4b4a-9e6b-4a7e9b9e6b4a")

// synthesizePartialSignalID derives a stable signal ID at or above
// decode.PartialSignalIDBase for a complex signal's sub-path. A
// manifest's complex_signals entry with signal_id 0 asks the Manager
// to mint one rather than carrying a cloud-assigned ID.
func synthesizePartialSignalID(parent decode.SignalID, path string) decode.SignalID {
	sum := uuid.NewSHA1(partialSignalNamespace, []byte(fmt.Sprintf("%d:%s", parent, path)))
	raw := binary.BigEndian.Uint32(sum[:4])
	raw &^= uint32(decode.PartialSignalIDBase)
	return decode.SignalID(raw) | decode.PartialSignalIDBase
}
