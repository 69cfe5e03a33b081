package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/pkg/models"
)

// consoleEventBuffer sizes the event channel between the turn and the
// console loop. Deltas beyond it are dropped by ChanSink rather than
// stalling the turn.
const consoleEventBuffer = 256

// console renders the event stream on the terminal and answers permission
// proposals. Approval prompts run on the console goroutine, so output and
// prompts never interleave.
type console struct {
	resolver    *permission.Resolver
	approveAll  bool
	interactive bool

	events   chan models.AgentEvent
	sink     *agent.ChanSink
	streamed atomic.Bool
	wg       sync.WaitGroup
	stdin    *bufio.Reader
}

func newConsole(resolver *permission.Resolver, approveAll bool) *console {
	events := make(chan models.AgentEvent, consoleEventBuffer)
	return &console{
		resolver:    resolver,
		approveAll:  approveAll,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		events:      events,
		sink:        agent.NewChanSink(events),
		stdin:       bufio.NewReader(os.Stdin),
	}
}

// Sink returns the event sink to attach to the turn.
func (c *console) Sink() agent.EventSink {
	return c.sink
}

// StreamedText reports whether any response text was printed while
// streaming.
func (c *console) StreamedText() bool {
	return c.streamed.Load()
}

// Start launches the console loop.
func (c *console) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for e := range c.events {
			c.handle(e)
		}
	}()
}

// Stop drains the loop after the turn has finished emitting.
func (c *console) Stop() {
	close(c.events)
	c.wg.Wait()
}

func (c *console) handle(e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventModelDelta:
		if e.Stream == nil || e.Stream.Thinking {
			return
		}
		fmt.Print(e.Stream.Delta)
		if e.Stream.Delta != "" {
			c.streamed.Store(true)
		}

	case models.AgentEventModelCompleted:
		if c.streamed.Load() {
			fmt.Println()
		}

	case models.AgentEventToolStarted:
		if e.Tool != nil {
			fmt.Fprintf(os.Stderr, "[tool] %s %s\n", e.Tool.Name, compactArgs(string(e.Tool.ArgsJSON)))
		}

	case models.AgentEventToolFinished:
		if e.Tool != nil && !e.Tool.Success {
			fmt.Fprintf(os.Stderr, "[tool] %s failed\n", e.Tool.Name)
		}

	case models.AgentEventPermissionRequired:
		if e.Permission != nil {
			c.resolve(e.Permission)
		}
	}
}

// resolve answers one approval proposal. Without a terminal the proposal is
// denied, since nobody can answer it.
func (c *console) resolve(p *models.PermissionEventPayload) {
	ctx := context.Background()

	if c.approveAll {
		c.respond(ctx, p.ProposalID, permission.ResolutionApproveOnce, "")
		return
	}
	if !c.interactive {
		c.respond(ctx, p.ProposalID, permission.ResolutionDeny, "no terminal available for approval")
		return
	}

	fmt.Fprintf(os.Stderr, "\nTool %s wants to run (signature %s).\n", p.Tool, p.Signature)
	for {
		fmt.Fprint(os.Stderr, "Allow? [y]es once / [c]all always / [t]ool always / [n]o: ")
		line, err := c.stdin.ReadString('\n')
		if err != nil {
			c.respond(ctx, p.ProposalID, permission.ResolutionDeny, "approval input closed")
			return
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			c.respond(ctx, p.ProposalID, permission.ResolutionApproveOnce, "")
			return
		case "c", "call":
			c.respond(ctx, p.ProposalID, permission.ResolutionTrustCall, "")
			return
		case "t", "tool":
			c.respond(ctx, p.ProposalID, permission.ResolutionTrustTool, "")
			return
		case "n", "no":
			c.respond(ctx, p.ProposalID, permission.ResolutionDeny, "denied by user")
			return
		}
	}
}

func (c *console) respond(ctx context.Context, proposalID string, kind permission.ResolutionKind, reason string) {
	res := permission.Resolution{Kind: kind, Reason: reason}
	if kind == permission.ResolutionTrustCall || kind == permission.ResolutionTrustTool {
		res.Scope = permission.GrantScopePersistent
	}
	if err := c.resolver.Resolve(ctx, proposalID, res); err != nil {
		fmt.Fprintf(os.Stderr, "approval failed: %v\n", err)
	}
}

// compactArgs trims tool arguments for one-line display.
func compactArgs(args string) string {
	args = strings.Join(strings.Fields(args), " ")
	if len(args) > 120 {
		args = args[:117] + "..."
	}
	return args
}
