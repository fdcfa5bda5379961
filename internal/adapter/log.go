package adapter

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogExecutor writes a message to the structured log and returns it as the
// step output, which makes it the natural probe step in workflows.
type LogExecutor struct{}

func NewLogExecutor() *LogExecutor {
	return &LogExecutor{}
}

func (e *LogExecutor) Name() string {
	return "log"
}

func (e *LogExecutor) Execute(_ context.Context, req *Request) (interface{}, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return nil, err
	}

	// `log.warn` and friends carry the level in the uses suffix; an
	// explicit level parameter wins over it
	levelName := req.String("level", req.Action)
	if levelName == "" {
		levelName = "info"
	}
	level, lvlErr := zerolog.ParseLevel(levelName)
	if lvlErr != nil {
		level = zerolog.InfoLevel
	}

	event := log.WithLevel(level).
		Str("run_id", req.RunID).
		Str("step_id", req.StepID)
	if data, ok := req.Value("data"); ok {
		event = event.Interface("data", data)
	}
	event.Msg(message)

	return message, nil
}
