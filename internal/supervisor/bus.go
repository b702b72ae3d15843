package supervisor

import (
	"context"
	"time"

	"github.com/agentctl/swarm/internal/bus"
	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
)

const primaryChannel = "#agents"

// onBusMessage decodes one inbound bus message and routes it to every
// local daemon. Decode failures and unknown types are not protocol
// errors — per protocol.Decode's contract they're ignored silently.
func (s *Supervisor) onBusMessage(msg bus.Message) {
	dec, err := protocol.Decode(msg.Content)
	if err != nil {
		return
	}
	s.do(func() {
		for _, pe := range s.processTable {
			pe.daemon.HandleMessage(dec)
		}
	})
}

// BroadcastTask announces a new unit of work to the fleet. Local
// daemons see it immediately regardless of bus connectivity; the bus
// publish additionally reaches any remote supervisor sharing the
// channel (spec.md §4.E: local delivery never depends on the bus being
// up).
func (s *Supervisor) BroadcastTask(task protocol.Task) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	dec := protocol.Decoded{Type: protocol.TypeTaskAvailable, TaskAvailable: &protocol.TaskAvailablePayload{Task: task}}
	s.do(func() {
		for _, pe := range s.processTable {
			pe.daemon.HandleMessage(dec)
		}
	})

	if s.bus == nil {
		return nil
	}
	content, err := protocol.EncodeTaskAvailable(protocol.TaskAvailablePayload{Task: task})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Send(ctx, primaryChannel, content); err != nil {
		s.logger.Printf("event=broadcast_task_bus_failed error=%v", err)
	}
	return nil
}

// AssignTask directs a specific agent to take a task, via ASSIGN.
// Local daemons process it immediately; bus publish reaches remote
// agents sharing the channel.
func (s *Supervisor) AssignTask(agentID ids.AgentID, task protocol.Task) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	dec := protocol.Decoded{Type: protocol.TypeAssign, Assign: &protocol.AssignPayload{AgentID: agentID, Task: task}}
	s.do(func() {
		for _, pe := range s.processTable {
			pe.daemon.HandleMessage(dec)
		}
	})

	if s.bus == nil {
		return nil
	}
	content, err := protocol.EncodeAssign(protocol.AssignPayload{AgentID: agentID, Task: task})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Send(ctx, primaryChannel, content); err != nil {
		s.logger.Printf("event=assign_task_bus_failed error=%v", err)
	}
	return nil
}

func (s *Supervisor) publishClaim(agentID ids.AgentID, task protocol.Task) {
	if s.bus == nil {
		return
	}
	content, err := protocol.EncodeClaim(protocol.ClaimPayload{AgentID: agentID, Component: task.Component, Role: task.Role})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Send(ctx, primaryChannel, content); err != nil {
		s.logger.Printf("event=publish_claim_failed agent=%s error=%v", agentID, err)
	}
}

func (s *Supervisor) publishTaskDone(agentID ids.AgentID, task protocol.Task) {
	if s.bus == nil {
		return
	}
	content, err := protocol.EncodeTaskDone(protocol.TaskDonePayload{AgentID: agentID, Task: task})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Send(ctx, primaryChannel, content); err != nil {
		s.logger.Printf("event=publish_task_done_failed agent=%s error=%v", agentID, err)
	}
}

func (s *Supervisor) publishTaskFail(agentID ids.AgentID, task protocol.Task, reason string) {
	if s.bus == nil {
		return
	}
	content, err := protocol.EncodeTaskFail(protocol.TaskFailPayload{AgentID: agentID, Task: task, Error: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Send(ctx, primaryChannel, content); err != nil {
		s.logger.Printf("event=publish_task_fail_failed agent=%s error=%v", agentID, err)
	}
}
