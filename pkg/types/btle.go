package types

import "github.com/google/uuid"

// Bluetooth LE advertisement constants (spec §6).
const (
	// PeerGroupUUIDNamespace derives the per-group BTLE service UUID.
	PeerGroupUUIDNamespace = "E0C3793A-0739-42A2-A800-8BED236D8815"

	// PortCharacteristicUUID carries the L2CAP PSM as a little-endian uint16.
	PortCharacteristicUUID = "ABDD3056-28FA-441D-A470-55A75A52553A"

	// MetadataCharacteristicUUID carries the Fleece-encoded metadata dict.
	// peersync has no Fleece encoder (non-goal); it stores a flat
	// length-prefixed key/value encoding instead, documented on the btle
	// provider.
	MetadataCharacteristicUUID = "936D7669-E532-42BF-8B8D-97E3C1073F74"
)

// ServiceUUIDForGroup derives the type-5 BTLE service UUID for a peer group.
func ServiceUUIDForGroup(group PeerGroupID) uuid.UUID {
	ns := uuid.MustParse(PeerGroupUUIDNamespace)
	return uuid.NewSHA1(ns, []byte(group))
}
