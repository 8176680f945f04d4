package pipeline

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/faceoverlay/internal/detect"
)

// State is a step of one request's pipeline.
type State int

const (
	Receiving State = iota
	Decoding
	Detecting
	Compositing
	Encoding
	Done
	Failed
)

var stateNames = map[State]string{
	Receiving:   "receiving",
	Decoding:    "decoding",
	Detecting:   "detecting",
	Compositing: "compositing",
	Encoding:    "encoding",
	Done:        "done",
	Failed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Stage sentinels, matched with errors.Is against an *Error.
var (
	ErrTransfer     = errors.New("transfer failed")
	ErrDecode       = errors.New("decode failed")
	ErrDetectorInit = errors.New("face detector unavailable")
	ErrDetect       = errors.New("face detection failed")
	ErrComposite    = errors.New("composite failed")
	ErrEncode       = errors.New("encode failed")
)

var stageSentinels = map[State]error{
	Receiving:   ErrTransfer,
	Decoding:    ErrDecode,
	Detecting:   ErrDetect,
	Compositing: ErrComposite,
	Encoding:    ErrEncode,
}

// Error is the terminal Failed(stage, cause) outcome of a request.
type Error struct {
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the failed stage. A Detecting failure caused by
// *detect.InitError matches ErrDetectorInit instead of ErrDetect.
func (e *Error) Is(target error) bool {
	if e.Stage == Detecting {
		var initErr *detect.InitError
		if errors.As(e.Err, &initErr) {
			return target == ErrDetectorInit
		}
	}
	return stageSentinels[e.Stage] == target
}

// StageOf returns the failed stage of err, or Failed when err did not come
// from a pipeline stage.
func StageOf(err error) State {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return Failed
}
