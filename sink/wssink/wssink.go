// Package wssink streams record batches over a websocket session.
//
// Each batch travels as one CBOR frame and must be acknowledged by the
// collector before the next Insert proceeds. The session is dialled
// lazily and dropped on any wire fault so the following attempt starts
// clean.
package wssink

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAckTimeout       = 15 * time.Second
	wsReadLimit             = 1 << 20
)

// encMode produces deterministic CBOR so identical batches yield identical
// frames. decMode tolerates unknown fields from newer collectors.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wssink: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wssink: cbor decoder init: " + err.Error())
	}
}

type batchFrame struct {
	BatchID     string          `cbor:"batch_id"`
	Destination string          `cbor:"destination"`
	Records     []record.Record `cbor:"records"`
	SentAt      time.Time       `cbor:"sent_at"`
}

type ackFrame struct {
	BatchID  string `cbor:"batch_id"`
	Accepted bool   `cbor:"accepted"`
	Message  string `cbor:"message"`
}

// Sink delivers batches over a single websocket connection, one frame and
// one ack at a time.
type Sink struct {
	url              string
	handshakeTimeout time.Duration
	ackTimeout       time.Duration
	now              func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ sink.Sink = (*Sink)(nil)

// New validates cfg and returns an unconnected sink. The first Insert
// dials the collector.
func New(cfg config.StreamSinkConfig) (*Sink, error) {
	parsed, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, errs.New("wssink.new", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("stream url %q must be ws:// or wss://", cfg.URL)))
	}
	s := &Sink{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout.Std(),
		ackTimeout:       cfg.AckTimeout.Std(),
		now:              time.Now,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}
	if s.ackTimeout <= 0 {
		s.ackTimeout = defaultAckTimeout
	}
	return s, nil
}

// Insert sends the batch as a single frame and waits for the collector's
// ack. Wire faults drop the connection so the next attempt redials.
func (s *Sink) Insert(ctx context.Context, destination string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}

	frame := batchFrame{
		BatchID:     uuid.NewString(),
		Destination: destination,
		Records:     records,
		SentAt:      s.now().UTC(),
	}
	data, err := encMode.Marshal(frame)
	if err != nil {
		return errs.New("wssink.insert", errs.CodePermanent,
			errs.WithDestination(destination), errs.WithMessage("encode frame"), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	err = conn.Write(writeCtx, websocket.MessageBinary, data)
	cancel()
	if err != nil {
		s.dropLocked(websocket.StatusProtocolError, "write failed")
		return errs.New("wssink.insert", errs.CodeNetwork,
			errs.WithDestination(destination), errs.WithMessage("write frame"), errs.WithCause(err))
	}

	ack, err := s.readAckLocked(ctx, conn)
	if err != nil {
		s.dropLocked(websocket.StatusProtocolError, "ack failed")
		return errs.New("wssink.insert", errs.CodeNetwork,
			errs.WithDestination(destination), errs.WithMessage("read ack"), errs.WithCause(err))
	}
	if ack.BatchID != frame.BatchID {
		s.dropLocked(websocket.StatusProtocolError, "ack mismatch")
		return errs.New("wssink.insert", errs.CodeUnavailable,
			errs.WithDestination(destination),
			errs.WithMessage(fmt.Sprintf("ack for batch %s, expected %s", ack.BatchID, frame.BatchID)))
	}
	if !ack.Accepted {
		msg := ack.Message
		if msg == "" {
			msg = "batch rejected"
		}
		return errs.New("wssink.insert", errs.CodeInvalid,
			errs.WithDestination(destination), errs.WithMessage(msg))
	}
	return nil
}

// Close ends the session with a normal closure.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
		if err != nil {
			return fmt.Errorf("wssink close: %w", err)
		}
	}
	return nil
}

func (s *Sink) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return nil, errs.New("wssink.dial", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("dial %s", s.url)), errs.WithCause(err))
	}
	conn.SetReadLimit(wsReadLimit)
	s.conn = conn
	return conn, nil
}

func (s *Sink) readAckLocked(ctx context.Context, conn *websocket.Conn) (ackFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()
	msgType, data, err := conn.Read(readCtx)
	if err != nil {
		return ackFrame{}, err
	}
	if msgType != websocket.MessageBinary {
		return ackFrame{}, fmt.Errorf("unexpected %v ack frame", msgType)
	}
	var ack ackFrame
	if err := decMode.Unmarshal(data, &ack); err != nil {
		return ackFrame{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

func (s *Sink) dropLocked(code websocket.StatusCode, reason string) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(code, reason)
	s.conn = nil
}
