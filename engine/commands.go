package engine

import (
	"context"
	"fmt"
	"strings"
)

// Command is an operator action forwarded to the backend.
type Command string

const (
	CommandReset            Command = "reset"
	CommandEmergency        Command = "emergency"
	CommandClearEmergency   Command = "clear_emergency"
	CommandConsumptionReset Command = "consumption_reset"
)

// Commands lists every supported command.
var Commands = []Command{CommandReset, CommandEmergency, CommandClearEmergency, CommandConsumptionReset}

// ParseCommand accepts a command name in any case, with '-' or '_'
// separators.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Commands {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCommand, s)
}

// PanelScoped reports whether the command targets a single panel.
func (c Command) PanelScoped() bool {
	return c != CommandClearEmergency
}

// CommandRequest holds the fields of an operator command.
type CommandRequest struct {
	Panel   string
	Command Command
	// Source names the surface that issued the command: api, mqtt or tui.
	Source string
}

// Command validates and forwards a command to the backend. A successful
// command triggers an immediate poll of every poller so its effect shows
// up without waiting for the next tick. Backend errors are returned as is.
func (e *Engine) Command(ctx context.Context, req CommandRequest) error {
	if e.client == nil {
		return ErrNotStarted
	}
	cmd, err := ParseCommand(string(req.Command))
	if err != nil {
		return err
	}
	req.Command = cmd
	if req.Command.PanelScoped() || req.Panel != "" {
		if err := e.checkPanel(req.Panel); err != nil {
			return err
		}
	}

	switch req.Command {
	case CommandReset:
		err = e.client.Reset(ctx, req.Panel)
	case CommandEmergency:
		err = e.client.Emergency(ctx, req.Panel)
	case CommandClearEmergency:
		err = e.client.ClearEmergency(ctx)
	case CommandConsumptionReset:
		err = e.client.ResetConsumption(ctx, req.Panel)
	}

	result := "ok"
	if err != nil {
		result = "error"
		e.logFn("Command %s on %s from %s failed: %v", req.Command, req.Panel, req.Source, err)
	} else {
		e.logFn("Command %s on %s from %s succeeded", req.Command, req.Panel, req.Source)
		e.Refresh("")
	}
	e.metrics.IncCommand(string(req.Command), result)
	e.emit(EventCommand, CommandEvent{Panel: req.Panel, Command: req.Command, Source: req.Source, Err: err})
	return err
}

// handleRemoteCommand adapts MQTT command topics to Command.
func (e *Engine) handleRemoteCommand(ctx context.Context, panel, command string) error {
	cmd, err := ParseCommand(command)
	if err != nil {
		return err
	}
	return e.Command(ctx, CommandRequest{Panel: panel, Command: cmd, Source: "mqtt"})
}

// ConsumptionResetDate returns the date of the last consumption reset of a
// panel, as reported by the backend.
func (e *Engine) ConsumptionResetDate(ctx context.Context, panel string) (string, error) {
	if e.client == nil {
		return "", ErrNotStarted
	}
	if err := e.checkPanel(panel); err != nil {
		return "", err
	}
	return e.client.ConsumptionResetDate(ctx, panel)
}

func (e *Engine) checkPanel(panel string) error {
	pc := e.cfg.FindPanel(panel)
	if pc == nil || !pc.Enabled {
		return fmt.Errorf("%w: %q", ErrUnknownPanel, panel)
	}
	return nil
}
