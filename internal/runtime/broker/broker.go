// Package broker implements synchronous command dispatch over a Watermill
// in-process pub/sub. Commands are published to a command topic, matched by
// exact name against registered handlers on a router, and answered on a
// response topic keyed by command ID.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	idspkg "github.com/mkd-tools/mkd/internal/runtime/ids"
	"github.com/mkd-tools/mkd/internal/runtime/jsoncodec"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

const (
	commandTopic       = "mkd.commands"
	responseTopic      = "mkd.responses"
	defaultPoisonTopic = "mkd.commands.poison"

	defaultDispatchTimeout = 30 * time.Second
	defaultBufferSize      = 256
)

// Handler processes one command and returns the response data.
type Handler func(ctx context.Context, cmd Command) (map[string]any, error)

// Options configures a Broker.
type Options struct {
	Logger loggingpkg.ServiceLogger
	// DispatchTimeout bounds how long Dispatch waits for a response.
	DispatchTimeout time.Duration
	// PoisonTopic receives messages that can never be processed.
	PoisonTopic string
	// BufferSize is the per-topic channel buffer.
	BufferSize int
	// Registerer enables router metrics when non-nil.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = loggingpkg.Nop()
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = defaultDispatchTimeout
	}
	if o.PoisonTopic == "" {
		o.PoisonTopic = defaultPoisonTopic
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	return o
}

// Broker routes commands to handlers and replies to dispatchers. Create with
// New, register handlers, then Start. Close drains in-flight handlers before
// returning.
type Broker struct {
	opts   Options
	logger loggingpkg.ServiceLogger

	pubsub *gochannel.GoChannel
	router *message.Router

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan Response

	cancel  context.CancelFunc
	runDone chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// New builds a broker with the default middleware chain installed. Handlers
// registered after Start are picked up immediately; registration is only
// rejected once the broker is closed.
func New(opts Options) (*Broker, error) {
	opts = opts.withDefaults()
	wmLogger := loggingpkg.NewWatermillAdapter(opts.Logger)

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(opts.BufferSize),
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("creating command router: %w", err)
	}

	b := &Broker{
		opts:     opts,
		logger:   opts.Logger,
		pubsub:   pubsub,
		router:   router,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Response),
		runDone:  make(chan struct{}),
	}

	if err := b.registerDefaultMiddlewares(); err != nil {
		return nil, err
	}

	router.AddHandler("commands", commandTopic, pubsub, responseTopic, pubsub, b.handleCommand)
	router.AddNoPublisherHandler("responses", responseTopic, pubsub, b.handleResponse)

	return b, nil
}

// RegisterCommand binds a handler to an exact command name.
func (b *Broker) RegisterCommand(name string, handler Handler) error {
	if name == "" {
		return errspkg.ErrCommandRequired
	}
	if handler == nil {
		return errspkg.ErrCommandHandlerNil
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("command already registered: %s", name)
	}
	b.handlers[name] = handler

	b.logger.Debug("command registered", loggingpkg.LogFields{"command": name})
	return nil
}

// Commands returns the registered command names in no particular order.
func (b *Broker) Commands() []string {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	return names
}

// Start runs the router on its own goroutine and blocks until it is ready to
// accept messages.
func (b *Broker) Start(ctx context.Context) error {
	if b.closed.Load() {
		return errspkg.ErrBrokerStopped
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	go func() {
		defer close(b.runDone)
		if err := b.router.Run(runCtx); err != nil {
			b.logger.Error("command router stopped", err, nil)
		}
	}()

	select {
	case <-b.router.Running():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch publishes a command and waits for its response. The command ID is
// filled in when empty. Waiting is bounded by ctx and the configured dispatch
// timeout, whichever ends first.
func (b *Broker) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	if b.closed.Load() {
		return Response{}, errspkg.ErrBrokerStopped
	}
	if cmd.Command == "" {
		return Response{}, errspkg.ErrCommandRequired
	}
	if cmd.ID == "" {
		cmd.ID = idspkg.CreateULID()
	}

	reply := make(chan Response, 1)
	b.pendingMu.Lock()
	b.pending[cmd.ID] = reply
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, cmd.ID)
		b.pendingMu.Unlock()
	}()

	payload, err := jsoncodec.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("encoding command: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("command", cmd.Command)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(commandTopic, msg); err != nil {
		return Response{}, fmt.Errorf("publishing command: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.opts.DispatchTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		return resp, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %s", errspkg.ErrDispatchTimeout, cmd.Command)
	}
}

// Close stops accepting commands, waits for in-flight handlers to drain, and
// shuts the pub/sub down. Safe to call more than once.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if b.started.Load() {
		if err := b.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing router: %w", err))
		}
		<-b.runDone
		if b.cancel != nil {
			b.cancel()
		}
	}
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing pubsub: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// handleCommand decodes a command message, routes it to its handler, and
// returns the response message. Handler errors become error responses rather
// than handler failures so they reach the dispatcher instead of the retry
// middleware.
func (b *Broker) handleCommand(msg *message.Message) ([]*message.Message, error) {
	var cmd Command
	if err := jsoncodec.Unmarshal(msg.Payload, &cmd); err != nil {
		return nil, &UnprocessableCommandError{payload: string(msg.Payload), err: err}
	}

	if cmd.Command == "" {
		return b.responseMessage(msg, errorResponse(cmd.ID, "command name is required"))
	}

	b.handlersMu.RLock()
	handler, ok := b.handlers[cmd.Command]
	b.handlersMu.RUnlock()
	if !ok {
		return b.responseMessage(msg, errorResponse(cmd.ID, fmt.Sprintf("unknown command: %s", cmd.Command)))
	}

	data, err := handler(msg.Context(), cmd)
	if err != nil {
		b.logger.Error("command handler failed", err, loggingpkg.LogFields{
			"command":    cmd.Command,
			"command_id": cmd.ID,
		})
		return b.responseMessage(msg, errorResponse(cmd.ID, err.Error()))
	}
	return b.responseMessage(msg, successResponse(cmd.ID, data))
}

func (b *Broker) responseMessage(in *message.Message, resp Response) ([]*message.Message, error) {
	payload, err := jsoncodec.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}

	out := message.NewMessage(watermill.NewUUID(), payload)
	out.Metadata.Set("correlation_id", in.Metadata.Get("correlation_id"))
	return []*message.Message{out}, nil
}

// handleResponse delivers a response to the dispatcher waiting on its ID.
// Responses without a waiter are dropped; the dispatch already timed out.
func (b *Broker) handleResponse(msg *message.Message) error {
	var resp Response
	if err := jsoncodec.Unmarshal(msg.Payload, &resp); err != nil {
		return &UnprocessableCommandError{payload: string(msg.Payload), err: err}
	}

	b.pendingMu.Lock()
	reply, ok := b.pending[resp.ID]
	b.pendingMu.Unlock()
	if ok {
		select {
		case reply <- resp:
		default:
		}
	}
	return nil
}
