// Package pipeline implements the per-connection processing chain that every
// inbound and outbound buffer passes through: the handshake stage that negotiates
// encryption, then the chat stage that applies it.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// Direction is the way a buffer travels through the pipeline
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Result is what one stage produces for one buffer
type Result struct {
	// Forward is the (possibly transformed) buffer handed to the next stage
	Forward []byte
	// ToApp are messages for the application callback
	ToApp []protocol.Message
	// ToPeer are messages sent back on the same connection; they pass outbound
	// only through the stages nearer the wire than the producing stage
	ToPeer []protocol.Message
	// Finished removes the stage after this pass
	Finished bool
	// Consumed stops later stages from seeing this buffer
	Consumed bool
}

// Stage is one stateful unit of a connection's pipeline.
// Index 0 is nearest the wire.
type Stage interface {
	Name() string
	// Start runs once when the connection opens
	Start() (Result, error)
	Process(dir Direction, data []byte) (Result, error)
}

// Output is the combined effect of one pipeline pass
type Output struct {
	// ToApp are decoded messages for the application, in order
	ToApp []protocol.Message
	// ToWire are fully processed payloads to write to the peer, in order
	ToWire [][]byte
	// Established is set on the pass that completes the handshake
	Established bool
}

// Pipeline is the ordered stage list owned by exactly one connection.
// Inbound and Outbound may be called from different goroutines.
type Pipeline struct {
	mu       sync.Mutex
	stages   []Stage
	security *Security
	logger   *log.Logger
}

// New builds a pipeline over the given stages, nearest-the-wire first
func New(security *Security, stages ...Stage) *Pipeline {
	return &Pipeline{
		stages:   stages,
		security: security,
	}
}

// NewServer builds the standard server-side pipeline: handshake, then chat
func NewServer(engine *crypto.Engine, requireEncryption bool, logger *log.Logger) *Pipeline {
	sec := NewSecurity()
	hs := NewServerHandshake(engine, sec, requireEncryption)
	hs.SetLogger(logger)
	p := New(sec, hs, NewChatStage(sec))
	p.SetLogger(logger)
	return p
}

// NewClient builds the standard client-side pipeline: handshake, then chat
func NewClient(engine *crypto.Engine, logger *log.Logger) *Pipeline {
	sec := NewSecurity()
	hs := NewClientHandshake(engine, sec)
	hs.SetLogger(logger)
	p := New(sec, hs, NewChatStage(sec))
	p.SetLogger(logger)
	return p
}

// SetLogger sets a logger for pipeline events
func (p *Pipeline) SetLogger(logger *log.Logger) {
	p.logger = logger
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// Security returns the connection's negotiated security record
func (p *Pipeline) Security() *Security {
	return p.security
}

// Established reports whether the handshake has completed
func (p *Pipeline) Established() bool {
	return p.security.Established()
}

// StageNames lists the active stages, nearest the wire first
func (p *Pipeline) StageNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Start gives every stage a chance to speak first (the client handshake sends its key)
func (p *Pipeline) Start() (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out Output
	var finished []int
	for i, stage := range p.stages {
		res, err := stage.Start()
		if err != nil {
			return out, fmt.Errorf("%s start: %w", stage.Name(), err)
		}
		if err := p.collect(&out, i, res); err != nil {
			return out, err
		}
		if res.Finished {
			finished = append(finished, i)
		}
	}
	p.removeFinished(&out, finished)
	return out, nil
}

// Inbound runs one received buffer through the stages and decodes what survives.
// A framing error is returned alongside every message decoded before it; any
// other error means the connection can no longer be trusted.
func (p *Pipeline) Inbound(data []byte) (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out Output
	var finished []int
	buf := data
	consumed := false
	for i, stage := range p.stages {
		res, err := stage.Process(Inbound, buf)
		if err != nil {
			return out, fmt.Errorf("%s inbound: %w", stage.Name(), err)
		}
		if err := p.collect(&out, i, res); err != nil {
			return out, err
		}
		if res.Finished {
			finished = append(finished, i)
		}
		if res.Consumed {
			consumed = true
			break
		}
		buf = res.Forward
	}
	p.removeFinished(&out, finished)

	if consumed || len(buf) == 0 {
		return out, nil
	}
	msgs, err := protocol.Decode(buf)
	out.ToApp = append(out.ToApp, msgs...)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return out, nil
}

// Outbound encodes msg and runs it through the stages in reverse order.
// It returns nil, nil when a stage drops the message.
func (p *Pipeline) Outbound(msg protocol.Message) ([]byte, error) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return p.OutboundFrame(frame)
}

// OutboundFrame runs an already encoded message frame through the stages in
// reverse order. Any error is a stage failure; the connection is no longer usable.
func (p *Pipeline) OutboundFrame(frame []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outboundFrom(len(p.stages), frame)
}

// outboundFrom passes buf through stages [0, limit) in reverse order
func (p *Pipeline) outboundFrom(limit int, buf []byte) ([]byte, error) {
	for i := limit - 1; i >= 0; i-- {
		res, err := p.stages[i].Process(Outbound, buf)
		if err != nil {
			return nil, fmt.Errorf("%s outbound: %w", p.stages[i].Name(), err)
		}
		if res.Consumed || res.Forward == nil {
			return nil, nil
		}
		buf = res.Forward
	}
	return buf, nil
}

// collect merges a stage result into out, sending ToPeer messages through the
// stages nearer the wire than the one that produced them
func (p *Pipeline) collect(out *Output, index int, res Result) error {
	out.ToApp = append(out.ToApp, res.ToApp...)
	for _, msg := range res.ToPeer {
		frame, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		payload, err := p.outboundFrom(index, frame)
		if err != nil {
			return err
		}
		if payload == nil {
			p.logf("%s reply %s dropped by an earlier stage", p.stages[index].Name(), protocol.TypeName(msg.Type()))
			continue
		}
		out.ToWire = append(out.ToWire, payload)
	}
	return nil
}

func (p *Pipeline) removeFinished(out *Output, finished []int) {
	for k := len(finished) - 1; k >= 0; k-- {
		i := finished[k]
		if _, ok := p.stages[i].(*HandshakeStage); ok {
			out.Established = true
		}
		p.logf("stage %s finished", p.stages[i].Name())
		p.stages = append(p.stages[:i], p.stages[i+1:]...)
	}
}

// Close releases the connection's key material
func (p *Pipeline) Close() {
	p.security.Destroy()
}

// ErrFraming marks errors that only invalidate the current buffer
var ErrFraming = errors.New("framing error")

// IsFramingError reports whether err is connection-local and recoverable
func IsFramingError(err error) bool {
	return errors.Is(err, ErrFraming)
}
