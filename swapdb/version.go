package swapdb

import "math"

// SnapshotVersion is the version a swap snapshot was serialized with. It only
// ever increases, older snapshots are migrated forward on read.
type SnapshotVersion uint32

const (
	// SnapshotVersionInitial is the first recorded snapshot layout.
	SnapshotVersionInitial SnapshotVersion = 0

	// SnapshotVersionFeeBreakdown added the per-swap fee breakdown that
	// is retained on terminal states.
	SnapshotVersionFeeBreakdown SnapshotVersion = 1

	// SnapshotVersionUnrecorded is set for swaps that were created before
	// snapshots carried a version.
	SnapshotVersionUnrecorded SnapshotVersion = math.MaxUint32
)

// CurrentSnapshotVersion returns the snapshot version used for new swaps.
func CurrentSnapshotVersion() SnapshotVersion {
	return SnapshotVersionFeeBreakdown
}

// Valid returns true if the value of the SnapshotVersion is valid.
func (v SnapshotVersion) Valid() bool {
	return v <= CurrentSnapshotVersion()
}

// String returns the string representation of a snapshot version.
func (v SnapshotVersion) String() string {
	switch v {
	case SnapshotVersionInitial:
		return "Initial"

	case SnapshotVersionFeeBreakdown:
		return "Fee Breakdown"

	case SnapshotVersionUnrecorded:
		return "Unrecorded"

	default:
		return "Unknown"
	}
}
