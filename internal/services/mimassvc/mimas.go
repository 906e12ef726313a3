// Package mimassvc exposes the Mimas decision engine on the bus. Each
// request describes a data collection event; the resulting recipe
// invocations go to the dispatcher and job registrations to ISPyB, all in
// one transaction.
package mimassvc

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/mxflow/internal/mimas"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

// Channel is where Mimas requests arrive.
const Channel = "mimas"

// OutletISPyB receives job registrations. Recipe invocations use the
// default outlet.
const OutletISPyB = "ispyb"

// Service is the Mimas bus service.
type Service struct {
	engine *mimas.Engine
}

// New returns the service around an engine.
func New(engine *mimas.Engine) *Service {
	return &Service{engine: engine}
}

func (s *Service) Name() string { return "Mimas" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	rt.Logger().Info("Mimas starting", "rules", len(s.engine.Rules()))
	return rt.Subscribe(Channel, runtime.SubscribeOptions{}, s.process)
}

func (s *Service) process(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	scenario, err := mimas.ScenarioFromParameters(rw.Parameters())
	if err != nil {
		msg.Log.Error("invalid Mimas request rejected", "error", err)
		return runtime.Reject(err.Error())
	}
	if err := mimas.Validate(scenario); err != nil {
		msg.Log.Error("invalid Mimas request rejected", "error", err)
		return runtime.Reject(err.Error())
	}

	msg.Log.Debug("evaluating scenario", "scenario", fmt.Sprintf("%+v", scenario))
	for _, task := range s.engine.Decide(scenario) {
		if err := mimas.Validate(task); err != nil {
			msg.Log.Error("invalid Mimas response detected", "task", fmt.Sprintf("%+v", task), "error", err)
			return runtime.Reject(err.Error())
		}
		msg.Log.Info("running", "task", mimas.CommandLine(task))

		switch t := task.(type) {
		case mimas.RecipeInvocation:
			err = rw.Send(mimas.Message(t))
		case mimas.JobInvocation:
			err = rw.SendTo(OutletISPyB, mimas.JobCommand(t))
		}
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
	}
	return runtime.Ack{}
}
