// Package reasoning implements the bounded reasoning loop: augment prompt,
// call the model host, parse, render, dispatch a tool (suspending for
// confirmation when asked), and feed the observation back, until the model
// calls task_complete or the iteration cap is exhausted. Grounded on the
// teacher's internal/session/loop.go agentic step loop and its
// cenkalti/backoff-based model-call retry shape, generalized from Eino's
// provider/model abstraction to the Haven model-host proxy.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/confirm"
	"github.com/sandboxhaven/agentd/internal/event"
	"github.com/sandboxhaven/agentd/internal/respparse"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/tool"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// nudgeMessage is appended to the prompt once the loop passes its nominal
// iteration count without a terminator, reminding the model to wrap up
// before the absolute cap forces a diagnostic exit.
const nudgeMessage = "\n\n(Reminder: you are past the nominal iteration count for this task. Finish with task_complete as soon as the goal is met.)"

// confirmationTelemetryInterval is how often a log_message{type:info} is
// emitted while a confirmation slot sits outstanding. Purely an
// observability nicety; it neither resolves nor times out the slot.
const confirmationTelemetryInterval = time.Hour

// Loop runs one bounded reasoning task per Execute call. A Loop value is
// shared across every connection; all per-task state lives in the call's
// local variables and the ActiveSession it is given.
type Loop struct {
	Tools    *tool.Registry
	Toolset  *tool.Toolset
	Sessions *session.Registry

	AbsoluteMaxIterations int
	NominalMaxIterations  int

	// Now returns the current Unix timestamp used to stamp memory records.
	// Overridable in tests; defaults to a real clock via NewLoop.
	Now func() int64
}

// NewLoop constructs a Loop with the given iteration caps and a real clock.
func NewLoop(tools *tool.Registry, ts *tool.Toolset, sessions *session.Registry, absoluteMax, nominalMax int, now func() int64) *Loop {
	return &Loop{Tools: tools, Toolset: ts, Sessions: sessions, AbsoluteMaxIterations: absoluteMax, NominalMaxIterations: nominalMax, Now: now}
}

// Execute runs the full IDLE -> PROMPTING -> PARSING -> RENDERING ->
// {TOOL|CONFIRM|DONE|ERROR} state machine for one user prompt. It returns an
// error only on a non-recoverable internal failure (a memory-store or
// dispatch error); task completion and iteration-cap exhaustion both return
// nil after rendering their own terminal message, and removal of the session
// mid-flight returns nil without rendering anything.
func (l *Loop) Execute(ctx context.Context, sess *session.ActiveSession, initialPrompt string) error {
	augmented, err := sess.Memory.PrepareAugmentedPrompt(ctx, initialPrompt)
	if err != nil {
		return err
	}
	if err := sess.Memory.AddTurn(ctx, types.RoleUser, initialPrompt, augmented, l.Now()); err != nil {
		return err
	}
	prompt := augmented

	for iteration := 1; iteration <= l.AbsoluteMaxIterations; iteration++ {
		if iteration == l.NominalMaxIterations+1 {
			prompt += nudgeMessage
		}

		raw, sendErr := sess.ModelProxy.SendMessage(ctx, sess.SessionName, prompt)
		if sendErr != nil {
			if _, ok := l.Sessions.Get(sess.SessionID); !ok {
				return nil // session torn down while we awaited the model host
			}
			observation := modelErrorObservation(sendErr)
			if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, observation, "", l.Now()); err != nil {
				return err
			}
			prompt = observation
			continue
		}

		parsed := respparse.Parse(raw)
		if parsed.Prose != "" {
			sess.Emit(string(event.LogMessage), map[string]string{"type": string(event.LogTypeInfo), "data": parsed.Prose})
		}

		if err := sess.Memory.AddTurnMeta(ctx, types.RoleModel, raw, "", l.Now(), map[string]string{types.MetaLogType: string(event.LogTypeInfo)}); err != nil {
			return err
		}

		if parsed.Command == nil {
			const observation = "No tool command was recognized in your response. Respond with a single JSON tool command."
			if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, observation, "", l.Now()); err != nil {
				return err
			}
			prompt = observation
			continue
		}

		cmd, known, parseErr := tool.ParseCommand(*parsed.Command)
		if parseErr != nil {
			observation := "Invalid parameters for action " + parsed.Command.Action + ": " + parseErr.Error()
			if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, observation, "", l.Now()); err != nil {
				return err
			}
			prompt = observation
			continue
		}
		if !known {
			observation := "Unknown action: " + parsed.Command.Action
			if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, observation, "", l.Now()); err != nil {
				return err
			}
			prompt = observation
			continue
		}

		switch typed := cmd.(type) {
		case tool.RequestConfirmation:
			done, terminate, err := l.handleConfirmation(ctx, sess, typed)
			if err != nil {
				return err
			}
			if terminate {
				return nil
			}
			prompt = done
			continue

		case tool.TaskComplete:
			sess.Emit(string(event.LogMessage), map[string]string{"type": string(event.LogTypeFinalAnswer), "data": typed.Answer})
			return sess.Memory.AddTurnMeta(ctx, types.RoleModel, typed.Answer, "", l.Now(), map[string]string{types.MetaLogType: string(event.LogTypeFinalAnswer)})

		default:
			result, dispatchErr := l.Tools.Dispatch(ctx, l.Toolset, sess, *parsed.Command)
			if dispatchErr != nil {
				return dispatchErr
			}
			sess.Emit(string(event.ToolLog), map[string]any{"action": parsed.Command.Action, "result": result})

			observation, err := serializeObservation(result)
			if err != nil {
				return err
			}
			if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, observation, "", l.Now()); err != nil {
				return err
			}
			prompt = observation
		}
	}

	const diagnostic = "Reached the maximum number of reasoning iterations without a final answer."
	sess.Emit(string(event.LogMessage), map[string]string{"type": string(event.LogTypeFinalAnswer), "data": diagnostic})
	return sess.Memory.AddTurnMeta(ctx, types.RoleModel, diagnostic, "", l.Now(), map[string]string{types.MetaLogType: string(event.LogTypeFinalAnswer)})
}

// handleConfirmation emits request_user_confirmation, opens a slot, and
// waits. It returns (nextPrompt, terminate, err): terminate is true when the
// session was torn down mid-wait, in which case the loop must not touch
// sess again.
func (l *Loop) handleConfirmation(ctx context.Context, sess *session.ActiveSession, cmd tool.RequestConfirmation) (string, bool, error) {
	sess.Emit(string(event.RequestUserConfirmation), map[string]string{"prompt": cmd.Prompt})

	slot, err := l.Sessions.Confirmations().Open(sess.SessionID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.Unknown, "opening confirmation slot", err)
	}

	telemetryCtx, stopTelemetry := context.WithCancel(ctx)
	defer stopTelemetry()
	go l.emitConfirmationTelemetry(telemetryCtx, sess)

	answer, err := slot.Wait(ctx)
	if err != nil {
		return "", false, nil //nolint:nilerr // ctx ended: not an error; Execute goes on to its next model call, which fails on the same ctx
	}
	if _, ok := l.Sessions.Get(sess.SessionID); !ok {
		return "", true, nil
	}

	word := "no"
	if answer == confirm.Yes {
		word = "yes"
	}

	sess.Emit(string(event.LogMessage), map[string]string{"type": string(event.LogTypeSystemConfirm), "data": word})
	if err := sess.Memory.AddTurnMeta(ctx, types.RoleToolObs, word, "", l.Now(), map[string]string{types.MetaLogType: string(event.LogTypeSystemConfirm)}); err != nil {
		return "", false, err
	}

	return fmt.Sprintf("USER_CONFIRMATION: %q", word), false, nil
}

// emitConfirmationTelemetry emits a log_message{type:info} once per
// confirmationTelemetryInterval until ctx is cancelled (the confirmation
// resolved, or the loop's own context ended).
func (l *Loop) emitConfirmationTelemetry(ctx context.Context, sess *session.ActiveSession) {
	ticker := time.NewTicker(confirmationTelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.Emit(string(event.LogMessage), map[string]string{
				"type": "info",
				"data": "still waiting on a user confirmation for this session",
			})
		}
	}
}

func modelErrorObservation(err error) string {
	if apierr.Is(err, apierr.ModelHostTimeout) {
		return "model call timed out"
	}
	return "model host error: " + err.Error()
}

func serializeObservation(result types.ToolResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", apierr.Wrap(apierr.Unknown, "serializing tool result", err)
	}
	return string(data), nil
}
