package mp4composer

// ProgressUnknown is reported once at start when the source duration is
// not known.
const ProgressUnknown = -1.0

// Listener receives the progress and outcome of a transcode. Exactly one of
// OnCompleted, OnCanceled and OnFailed is called, last.
type Listener interface {
	// OnProgress reports progress in [0, 1], or ProgressUnknown.
	OnProgress(progress float64)
	// OnCurrentWrittenTime reports the output video time written so far.
	OnCurrentWrittenTime(timeUs int64)
	OnCompleted()
	OnCanceled()
	OnFailed(err error)
}

// ListenerFuncs adapts functions to Listener. Nil functions are skipped.
type ListenerFuncs struct {
	Progress           func(progress float64)
	CurrentWrittenTime func(timeUs int64)
	Completed          func()
	Canceled           func()
	Failed             func(err error)
}

func (l ListenerFuncs) OnProgress(progress float64) {
	if l.Progress != nil {
		l.Progress(progress)
	}
}

func (l ListenerFuncs) OnCurrentWrittenTime(timeUs int64) {
	if l.CurrentWrittenTime != nil {
		l.CurrentWrittenTime(timeUs)
	}
}

func (l ListenerFuncs) OnCompleted() {
	if l.Completed != nil {
		l.Completed()
	}
}

func (l ListenerFuncs) OnCanceled() {
	if l.Canceled != nil {
		l.Canceled()
	}
}

func (l ListenerFuncs) OnFailed(err error) {
	if l.Failed != nil {
		l.Failed(err)
	}
}

// Executor runs listener callbacks. A caller may pass one that hands the
// callback to its own goroutine; the default runs it on the worker.
type Executor func(fn func())

func directExecutor(fn func()) { fn() }
