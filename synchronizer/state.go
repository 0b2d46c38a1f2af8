package synchronizer

import "github.com/bobg/recsync"

// State is the position of a sync pass.
type State int

// Values for State.
const (
	Idle State = iota
	FetchingDatabaseChanges
	FetchingZoneChanges
	Merging
	UploadingRecords
	UploadingDeletions
	UpdatingTokens
)

var stateNames = map[State]string{
	Idle:                    "idle",
	FetchingDatabaseChanges: "fetching database changes",
	FetchingZoneChanges:     "fetching zone changes",
	Merging:                 "merging",
	UploadingRecords:        "uploading records",
	UploadingDeletions:      "uploading deletions",
	UpdatingTokens:          "updating tokens",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// EventKind is the kind of an Event.
type EventKind int

// Values for EventKind.
const (
	WillSynchronize EventKind = iota
	WillFetchChanges
	WillUploadChanges
	ZoneDeleted
	DidSynchronize
	DidFail
)

// Event is a notification from a sync pass.
type Event struct {
	Kind EventKind

	// Zone is set for WillUploadChanges and ZoneDeleted.
	Zone recsync.ZoneID

	// Err is set for DidFail.
	Err error
}
