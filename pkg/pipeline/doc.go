/*
Package pipeline implements the content-generation pipeline orchestrator.

# Overview

A pipeline run executes a fixed sequence of agent stages (topic analysis,
competitor monitoring, article generation, compliance check, publishing)
strictly in order: each stage's output payload is the next stage's input.
Runs execute concurrently across organizations, but stages within one run
never overlap.

Every stage execution is bracketed by cost accounting: the orchestrator
reserves the stage's estimated cost against the organization's budget
before invoking the agent, and settles the actual cost afterwards. A run
that cannot reserve budget fails before any agent is called.

# Basic Usage

	m, err := pipeline.NewMachine(run, pipeline.DefaultSequence(), pipeline.Deps{
	    Invoker:  registry,
	    Ledger:   ledger,
	    Store:    store,
	    Progress: publisher,
	})
	if err != nil {
	    return err
	}
	final, err := m.Run(ctx)

The machine owns the run: all mutations go through its transition loop,
and the run is immutable once it reaches a terminal status.

# State Transitions

	Pending -> Running(0)
	Running(i) -> Running(i+1)   stage succeeded, next reservation held
	Running(i) -> Retrying(i)    optional stage exhausted adapter retries
	Running(i) -> Failed         permanent error, budget rejection, or
	                             mandatory stage out of retries
	Running/Retrying -> Cancelled  cooperative, at stage boundaries
	Running(last) -> Completed

The compliance stage is a hard gate: the run can only advance past it on
an explicit pass, and a gate rejection fails the whole run. Optional
stages degrade instead of failing when they exhaust transient retries.

# Recovery

The machine persists the full run snapshot after every transition. A run
interrupted by a process restart resumes from its last persisted stage
result; stages that already settled their cost are never re-invoked.
*/
package pipeline
