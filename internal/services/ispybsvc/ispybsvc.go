// Package ispybsvc writes to the metadata store on behalf of other
// services. A message either names one command or carries a command list;
// lists are worked through one command per transaction, and each
// identifier a command stores becomes visible to the commands after it.
package ispybsvc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ChuLiYu/mxflow/internal/ispyb"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

// Channel is where commands arrive.
const Channel = "ispyb"

// DefaultRedeliveryPause is how long a redelivered message waits before
// it runs, so that a database replica can catch up with a write made by
// a previous attempt.
const DefaultRedeliveryPause = 500 * time.Millisecond

// commandMultipart names a command list in the step parameters.
const commandMultipart = "multipart_message"

var (
	ErrSimpleMessage = errors.New("ispybsvc: simple message needs parameters and content")
	ErrListInSimple  = errors.New("ispybsvc: command lists need a recipe")
)

// Config configures the service.
type Config struct {
	Executor        *ispyb.Executor
	RedeliveryPause time.Duration
}

// Service is the ISPyB connector.
type Service struct {
	cfg Config
}

// New returns the service.
func New(cfg Config) *Service {
	if cfg.RedeliveryPause < 0 {
		cfg.RedeliveryPause = 0
	} else if cfg.RedeliveryPause == 0 {
		cfg.RedeliveryPause = DefaultRedeliveryPause
	}
	return &Service{cfg: cfg}
}

func (s *Service) Name() string { return "DLS ISPyB connector" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	if s.cfg.Executor == nil {
		return errors.New("ispybsvc: no executor configured")
	}
	rt.Logger().Info("ISPyB connector starting", "commands", len(ispyb.Commands()))
	return rt.Subscribe(Channel, runtime.SubscribeOptions{AllowNonRecipe: true}, s.receive)
}

func (s *Service) receive(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	if msg.Redelivered() && s.cfg.RedeliveryPause > 0 {
		msg.Log.Debug("received redelivered message, holding for a moment")
		select {
		case <-ctx.Done():
			return runtime.Nack{Requeue: true, Reason: ctx.Err().Error()}
		case <-time.After(s.cfg.RedeliveryPause):
		}
	}

	message := ispyb.DecodeMessage(msg.Payload)
	if rw.IsStub() {
		content, ok := simpleContent(msg.Payload)
		if !ok {
			msg.Log.Error("rejected invalid simple message")
			return runtime.Reject(ErrSimpleMessage.Error())
		}
		msg.Log.Debug("received a simple message")
		message = content
	}

	params := rw.Parameters()
	_, hasList := message[ispyb.KeyCommandList]
	if _, ok := params[ispyb.KeyCommandList]; ok {
		hasList = true
	}
	command := ispyb.NewParams(rw.Environment, message, params).String(ispyb.KeyCommand)
	if hasList || command == commandMultipart {
		if rw.IsStub() {
			msg.Log.Error("command list sent as a simple message")
			return runtime.Reject(ErrListInSimple.Error())
		}
		return s.step(ctx, rw, msg, message, params)
	}
	return s.single(ctx, rw, msg, command, message, params)
}

// simpleContent unpacks {parameters, content}. Both must be present and
// non-empty.
func simpleContent(payload json.RawMessage) (map[string]any, bool) {
	var m struct {
		Parameters map[string]any `json:"parameters"`
		Content    any            `json:"content"`
	}
	if err := json.Unmarshal(payload, &m); err != nil || len(m.Parameters) == 0 || m.Content == nil {
		return nil, false
	}
	switch c := m.Content.(type) {
	case map[string]any:
		if len(c) == 0 {
			return nil, false
		}
		return c, true
	case string:
		return map[string]any{}, c != ""
	default:
		return map[string]any{}, true
	}
}

func (s *Service) single(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message, command string, message, params map[string]any) runtime.Outcome {
	if command == "" {
		msg.Log.Error("received message is not a valid ISPyB command")
		return runtime.Reject(ispyb.ErrNoCommand.Error())
	}
	if !ispyb.Known(command) {
		msg.Log.Error("received unknown ISPyB command", "command", command)
		return runtime.Reject(ispyb.ErrUnknownCommand.Error() + ": " + command)
	}

	msg.Log.Debug("running ISPyB call", "command", command)
	id, err := s.cfg.Executor.Execute(ctx, ispyb.Call{
		Command: command,
		Params:  ispyb.NewParams(rw.Environment, message, params),
		Emit:    rw.SendTo,
	})
	if err != nil {
		return failed(msg, command, err)
	}
	if key := recipe.Format(params[ispyb.KeyStoreResult]); key != "" {
		rw.Environment[key] = id
		msg.Log.Debug("storing result in environment", "result", id, "variable", key)
	}
	if err := rw.Send(map[string]any{"result": id}); err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	return runtime.Ack{}
}

// step runs the head of a command list and checkpoints the rest.
func (s *Service) step(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message, message, params map[string]any) runtime.Outcome {
	list, err := ispyb.ParseList(message, params)
	if err != nil {
		msg.Log.Error("received multipart message containing no commands", "error", err)
		return runtime.Reject(err.Error())
	}
	command := list.HeadCommand()
	if !ispyb.Known(command) {
		msg.Log.Error("multipart command is not a valid ISPyB command", "command", command, "step", list.Step)
		return runtime.Reject(ispyb.ErrUnknownCommand.Error() + ": " + command)
	}
	msg.Log.Debug("processing step of multipart message", "step", list.Step, "command", command, "remaining", len(list.Commands)-1)

	// the list item wins over the message, which wins over the step
	// parameters
	rest := make(map[string]any, len(message))
	for k, v := range message {
		if k != ispyb.KeyCommandList && k != "checkpoint" {
			rest[k] = v
		}
	}
	id, err := s.cfg.Executor.Execute(ctx, ispyb.Call{
		Command: command,
		Params:  ispyb.NewParams(rw.Environment, list.Head(), rest, params),
		Emit:    rw.SendTo,
	})
	if err != nil {
		return failed(msg, command, err)
	}
	if key := list.StoreResult(); key != "" {
		rw.Environment[key] = id
		msg.Log.Debug("storing result in environment", "result", id, "variable", key)
	}

	if list.Last() {
		msg.Log.Debug("multipart message done", "steps", list.Step)
		if err := rw.Send(map[string]any{"result": id}); err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		return runtime.Ack{}
	}
	msg.Log.Debug("checkpointing remaining steps", "remaining", len(list.Commands)-1)
	return runtime.Checkpoint{Payload: list.Next(message)}
}

// failed rejects commands that can never succeed and lets the bus retry
// the rest.
func failed(msg *runtime.Message, command string, err error) runtime.Outcome {
	if errors.Is(err, ispyb.ErrInvalid) || errors.Is(err, ispyb.ErrUnknownCommand) ||
		errors.Is(err, ispyb.ErrUnknownTable) || errors.Is(err, ispyb.ErrUnknownColumn) {
		msg.Log.Error("ISPyB command rejected", "command", command, "error", err)
		return runtime.Reject(err.Error())
	}
	msg.Log.Error("ISPyB command failed", "command", command, "error", err)
	return runtime.Nack{Requeue: true, Reason: err.Error()}
}
