package discovery

import (
	"github.com/google/uuid"

	"github.com/corepeer/peersync/pkg/types"
)

// parsePeerIDString parses a canonical UUID string into a types.PeerID.
func parsePeerIDString(s string) (types.PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return types.PeerID{}, err
	}
	return types.PeerID(u), nil
}
