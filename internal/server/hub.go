package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"blockrelay-server/internal/protocol"
)

const tracerName = "blockrelay/server"

var errHubStopped = errors.New("HUB_STOPPED: relay is shutting down")

type hubMsg interface{ isHubMsg() }

type inboundFrame struct {
	ConnectionID string
	Envelope     protocol.Envelope
}

type connectionClosed struct {
	ConnectionID string
}

// replayDue fires HelloReplayDelay after a HELLO. Room pins the room that
// existed at HELLO time so a recreated room of the same id is ignored; seq
// identifies the join that scheduled it.
type replayDue struct {
	key  replayKey
	room *Room
	seq  uint64
}

type snapshotRequest struct {
	Reply chan []RoomSummary
}

func (inboundFrame) isHubMsg()     {}
func (connectionClosed) isHubMsg() {}
func (replayDue) isHubMsg()        {}
func (snapshotRequest) isHubMsg()  {}

type replayKey struct {
	RoomID       string
	UserID       string
	ConnectionID string
}

type HubConfig struct {
	// ReplayDelay is how long after HELLO the room's states are replayed if
	// the client has not sent READY. Zero disables the fallback.
	ReplayDelay         time.Duration
	ValidateTransitions bool

	// LegacyClients suppresses ERROR replies. Rejected frames are only
	// logged and dropped, for clients that crash on unknown event types.
	LegacyClients bool

	// Recorder receives finished matches. Nil disables match history.
	Recorder      MatchRecorder
	RecordTimeout time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Hub is the relay's single logical thread. Every Registry access happens on
// the goroutine running Run.
type Hub struct {
	registry *Registry
	conns    *ConnectionManager
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      HubConfig

	inbox          chan hubMsg
	stopped        chan struct{}
	pendingReplays map[replayKey]uint64 // seq of the latest join per key
	replaySeq      uint64
	recordings     sync.WaitGroup
}

func NewHub(registry *Registry, conns *ConnectionManager, metrics *Metrics, logger *zap.Logger, cfg HubConfig) *Hub {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}

	return &Hub{
		registry:       registry,
		conns:          conns,
		metrics:        metrics,
		logger:         logger,
		tracer:         tp.Tracer(tracerName),
		cfg:            cfg,
		inbox:          make(chan hubMsg, 256),
		stopped:        make(chan struct{}),
		pendingReplays: make(map[replayKey]uint64),
	}
}

// Run processes hub messages until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.conns.CloseAll(websocket.StatusGoingAway, "server shutting down")
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case inboundFrame:
				h.dispatch(msg.ConnectionID, msg.Envelope)

			case connectionClosed:
				h.handleDisconnect(msg.ConnectionID)

			case replayDue:
				h.handleReplayDue(msg)

			case snapshotRequest:
				msg.Reply <- h.registry.Snapshot(func(connID string) bool {
					return h.conns.GetConnection(connID) != nil
				})
			}
		}
	}
}

// Wait blocks until Run has returned and in-flight match recordings finish.
func (h *Hub) Wait(ctx context.Context) error {
	select {
	case <-h.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		h.recordings.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) submit(ctx context.Context, m hubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame queues a decoded frame from connectionID.
func (h *Hub) HandleFrame(ctx context.Context, connectionID string, env protocol.Envelope) error {
	return h.submit(ctx, inboundFrame{ConnectionID: connectionID, Envelope: env})
}

// Disconnect queues the teardown of connectionID. It is idempotent.
func (h *Hub) Disconnect(connectionID string) {
	// Teardown must not be dropped because a request context ended.
	_ = h.submit(context.Background(), connectionClosed{ConnectionID: connectionID})
}

// Snapshot returns a summary of every room.
func (h *Hub) Snapshot(ctx context.Context) ([]RoomSummary, error) {
	reply := make(chan []RoomSummary, 1)
	if err := h.submit(ctx, snapshotRequest{Reply: reply}); err != nil {
		return nil, err
	}

	select {
	case rooms := <-reply:
		return rooms, nil
	case <-h.stopped:
		return nil, errHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) dispatch(connectionID string, env protocol.Envelope) {
	label := eventLabel(env.Type)
	h.metrics.framesReceived.WithLabelValues(label).Inc()

	_, span := h.tracer.Start(context.Background(), "relay "+label,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.connection_id", connectionID),
			attribute.Int("relay.event_type", int(env.Type)),
		),
	)
	defer span.End()

	var err error
	switch env.Type {
	case protocol.EventHello:
		err = h.handleHello(connectionID, env)
	case protocol.EventFullState:
		err = h.handleFullState(connectionID, env)
	case protocol.EventInputState:
		err = h.handleInputState(connectionID, env)
	case protocol.EventRoomState:
		err = h.handleRoomState(connectionID, env)
	case protocol.EventUserState:
		err = h.handleUserState(connectionID, env)
	case protocol.EventReady:
		err = h.handleReady(connectionID, env)
	default:
		// SEED, DISCONNECTED and ERROR only travel server to client.
		err = protocol.ErrUnknownEvent
	}

	if b, ok := h.registry.FindByConnection(connectionID); ok {
		span.SetAttributes(attribute.String("relay.room_id", b.RoomID), attribute.String("relay.player_id", b.UserID))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.rejectFrame(connectionID, env.Type, err)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// rejectFrame reports err to the sender with an ERROR envelope.
func (h *Hub) rejectFrame(connectionID string, event protocol.EventType, err error) {
	code := protocol.CodeOf(err)
	h.metrics.protocolErrors.WithLabelValues(code).Inc()
	h.logger.Info("frame rejected",
		zap.String("connection_id", connectionID),
		zap.Stringer("event", event),
		zap.String("code", code),
		zap.Error(err),
	)

	if h.cfg.LegacyClients {
		return
	}
	if sendErr := h.sendToConnection(connectionID, protocol.ErrorMessage(err, &event)); sendErr != nil {
		h.logger.Debug("could not deliver error frame", zap.String("connection_id", connectionID), zap.Error(sendErr))
	}
}
