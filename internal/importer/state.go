package importer

// State names the phase an import run is in. Runs advance strictly
// forward; Failed is reachable from any phase.
type State string

const (
	StateIdle            State = "idle"
	StateMetadataSaving  State = "metadata_saving"
	StateNoteCollection  State = "note_collection"
	StateNoteMerging     State = "note_merging"
	StateDeckStructure   State = "deck_structure_creation"
	StateNotePlacement   State = "note_placement"
	StateMediaResolution State = "media_resolution"
	StateMediaTransfer   State = "media_transfer"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// MediaResult summarizes the media leg of an import. Transfer failures
// are warnings, never a run failure.
type MediaResult struct {
	Referenced int
	Missing    int
	Downloaded int
	Warnings   []string
}

// Result is the user-visible summary of one import run: counts, itemized
// warnings and manual-review flags instead of raw stack traces.
type Result struct {
	State       State
	Created     int
	Updated     int
	Skipped     int
	FailedNotes []string
	Warnings    []string
	ReviewItems []string
	Media       *MediaResult
}

// HasWarnings reports whether the run finished with non-fatal issues.
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0 || len(r.ReviewItems) > 0 || len(r.FailedNotes) > 0
}
