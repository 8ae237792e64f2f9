package progress

// Stage is one step of the update state machine.
type Stage string

const (
	StageStarting    Stage = "starting"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageBackingUp   Stage = "backing_up"
	StageUpdating    Stage = "updating"
	StageRestarting  Stage = "restarting"
	StageCompleted   Stage = "completed"
	StageError       Stage = "error"
)

// Nominal progress percentage on entering each stage.
const (
	ProgressStarting    = 0
	ProgressDownloading = 10
	ProgressExtracting  = 30
	ProgressBackingUp   = 45
	ProgressUpdating    = 60
	ProgressRestarting  = 85
	// ProgressHandedOff is where a restart waits for the new process.
	ProgressHandedOff   = 95
	ProgressCompleted   = 100
)

var stageOrder = map[Stage]int{
	StageStarting:    0,
	StageDownloading: 1,
	StageExtracting:  2,
	StageBackingUp:   3,
	StageUpdating:    4,
	StageRestarting:  5,
	StageCompleted:   6,
}

var stageDescriptions = map[Stage]string{
	StageStarting:    "Preparing update",
	StageDownloading: "Downloading the new version",
	StageExtracting:  "Verifying downloaded files",
	StageBackingUp:   "Creating a backup of the current version",
	StageUpdating:    "Installing the new version",
	StageRestarting:  "Restarting the application",
	StageCompleted:   "Update completed",
	StageError:       "Update failed",
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageDescriptions[s]
	return ok
}

// Terminal reports whether s ends an update.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Description is the user facing text for s.
func (s Stage) Description() string {
	return stageDescriptions[s]
}

// Before reports whether s comes strictly before other in the forward order.
// The error stage is outside the order.
func (s Stage) Before(other Stage) bool {
	a, okA := stageOrder[s]
	b, okB := stageOrder[other]
	return okA && okB && a < b
}
