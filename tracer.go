// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package jsontracer is a DBI client producing structured JSON
// execution traces annotated with source-level variable identities
// resolved from the target's debugging records.
package jsontracer

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/saferwall/jsontracer/log"
)

// Client is the tracer client. It owns the info table, the raw TLS
// slot holding each thread's ring cursor, and the lifecycle hooks.
type Client struct {
	host   Host
	opts   *Options
	logger *log.Helper

	segm      Register
	tlsOffset int

	info       *DebugInfo
	mainModule ModuleInfo
}

// threadData is the per-thread state attached to the host thread
// context. Threads never share state; the fast path takes no locks.
type threadData struct {
	ring   *ring
	file   *os.File
	writer *TraceWriter
}

// NewClient builds a client against the given host framework.
func NewClient(h Host, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var logger log.Logger
	if opts.Logger == nil {
		logger = log.NewStdLogger(os.Stderr)
		logger = log.NewFilter(logger,
			log.FilterLevel(log.ParseLevel(opts.LogLevel)))
	} else {
		logger = opts.Logger
	}

	return &Client{
		host:   h,
		opts:   opts,
		logger: log.NewHelper(logger),
	}, nil
}

// ClientMain is the client entry point: it builds a client from the
// optional config path in args and registers every hook. Called once
// at load.
func ClientMain(h Host, id int, args []string) error {
	var opts *Options
	var err error
	if len(args) > 0 && args[0] != "" {
		opts, err = LoadOptions(args[0])
		if err != nil {
			return err
		}
	}

	client, err := NewClient(h, opts)
	if err != nil {
		return err
	}
	return client.Register(id)
}

// Register allocates the raw TLS slot, loads the target's debugging
// records and registers the lifecycle hooks.
func (c *Client) Register(id int) error {
	segm, offset, err := c.host.AllocRawTLS(1)
	if err != nil {
		return err
	}
	c.segm = segm
	c.tlsOffset = offset

	main, err := c.host.MainModule()
	if err != nil {
		c.host.FreeRawTLS(c.tlsOffset, 1)
		return err
	}
	c.mainModule = main

	if !c.opts.DisableDebugInfo {
		info, err := LoadDebugInfo(main.Path)
		switch {
		case err == nil:
			c.info = info
			c.logger.Debugf("loaded debug info: %d funcs, %d vars, %d types",
				len(info.Funcs), len(info.Vars), len(info.Types))
		case errors.Is(err, ErrNoDebugData):
			// Tracing proceeds without variable resolution.
			c.logger.Warnf("debug info unavailable for %s: %v", main.Path, err)
		default:
			c.host.FreeRawTLS(c.tlsOffset, 1)
			return err
		}
	}

	c.host.RegisterExitEvent(c.eventExit)
	c.host.RegisterThreadInitEvent(c.eventThreadInit)
	c.host.RegisterThreadExitEvent(c.eventThreadExit)
	c.host.RegisterModuleLoadEvent(c.eventModuleLoad)
	c.host.RegisterModuleUnloadEvent(c.eventModuleUnload)
	c.host.RegisterBBEvent(c.eventInstruction)

	c.logger.Infof("tracer client %d registered on %s", id, main.Path)
	return nil
}

func (c *Client) eventExit() {
	c.host.FreeRawTLS(c.tlsOffset, 1)
}

func (c *Client) eventThreadInit(tc ThreadContext) {
	r, err := newRing(c.host, c.opts.RingEntries)
	if err != nil {
		c.logger.Fatalf("thread %d: %v", tc.ID(), err)
	}
	*tc.RawTLS(c.tlsOffset) = r.base()

	f, err := c.openTraceFile(tc.ID())
	if err != nil {
		c.logger.Fatalf("thread %d: %v", tc.ID(), err)
	}

	slop, useSlop := c.opts.callerSPSlop()
	writer := NewTraceWriter(f, TraceWriterConfig{
		Format:     c.opts.Format,
		Info:       c.info,
		MainModule: c.mainModule,
		ModuleAt:   c.host.ModuleAt,
		OpcodeName: c.host.OpcodeName,
		SPSlop:     slop,
		UseSlop:    useSlop,
	})

	tc.SetField(&threadData{ring: r, file: f, writer: writer})
}

func (c *Client) eventThreadExit(tc ThreadContext) {
	c.drain(tc)

	data, ok := tc.Field().(*threadData)
	if !ok {
		return
	}
	if err := data.writer.Close(); err != nil {
		c.logger.Errorf("thread %d: closing trace: %v", tc.ID(), err)
	}
	data.file.Close()
	data.ring.free()
	tc.SetField(nil)
}

func (c *Client) eventModuleLoad(m ModuleInfo) {
	c.logger.Debugf("module loaded: %s [%#x, %#x)", m.Path, m.Start, m.End)
}

func (c *Client) eventModuleUnload(m ModuleInfo) {
	c.logger.Debugf("module unloaded: %s", m.Path)
}

// eventInstruction instruments one application instruction and, at
// block entry, injects the drain clean call.
func (c *Client) eventInstruction(tc ThreadContext, em Emitter, ins Instr, first bool) error {
	if !ins.IsApp() {
		return nil
	}

	if err := InsertInstrumentation(em, ins, c.segm, c.tlsOffset); err != nil {
		c.logger.Errorf("instrumentation aborted at %#x: %v", ins.AppPC(), err)
		return err
	}

	if first {
		em.InsertCleanCall(c.drain)
	}
	return nil
}

// drain walks the thread's ring up to the cursor, hands each record
// to the writer and resets the cursor.
func (c *Client) drain(tc ThreadContext) {
	data, ok := tc.Field().(*threadData)
	if !ok {
		return
	}

	cursor := tc.RawTLS(c.tlsOffset)
	recs, err := data.ring.records(*cursor)
	if err != nil {
		c.logger.Errorf("thread %d: %v", tc.ID(), err)
	}

	for _, raw := range recs {
		data.writer.WriteRecord(decodeRecord(raw))
	}

	*cursor = data.ring.base()
}

// openTraceFile creates the per-thread trace file, retrying with a
// numbered suffix on collision.
func (c *Client) openTraceFile(tid int) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		name := filepath.Join(c.opts.TraceDir,
			uniqueTraceName(c.opts.TracePrefix, tid, attempt))

		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) || attempt > 1000 {
			return nil, err
		}
	}
}
