package session

import (
	"context"

	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

// Input is a pull-based source of RuntimeData values bound to a session's
// stage-0 node bridges. Next returns ok=false at end-of-stream.
type Input interface {
	Next(ctx context.Context) (v runtimedata.Value, ok bool, err error)
}

// Output is the push-based sink bound to a session's terminal node
// bridges: results, progress, and the one terminal Result.
type Output interface {
	Value(v runtimedata.Value)
	Progress(p progressbus.Progress)
	Result(r Result)
}

// ResultStatus is the terminal outcome of a session.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "Success"
	ResultErr     ResultStatus = "Error"
)

// Result is the terminal value delivered to Output.Result exactly once.
type Result struct {
	Status ResultStatus
	Reason string
}
