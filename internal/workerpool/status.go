package workerpool

// State is what a worker is doing right now.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateRunning   State = "running"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	GPUID     int
	State     State
	Stage     string
	TaskID    int64
	Basename  string
	Processed int
	Failed    int
}
