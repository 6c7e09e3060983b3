package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second

	// mllpWriteTimeout bounds writing an ACK back to the sender.
	mllpWriteTimeout = 10 * time.Second
)

// ACK codes used in MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called for each received HL7v2 message. It returns the
// ACK to send back, or nil to send nothing.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch parsed messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to return. A message already being converted runs
// to completion first.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listener address string, which is useful when the server
// was started on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("mllp accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn and answers each one.
// Messages on a single connection are handled strictly in order.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("mllp message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	msg := Parse(raw)
	if len(msg.Segments) == 0 {
		s.logger.Warn().Int("bytes", len(raw)).Msg("mllp frame contained no segments")
		return
	}

	resp := s.handler(s.ctx, msg)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		s.logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("mllp ack write failed")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// GenerateACK creates an ACK for the incoming message. text, when non-empty,
// is carried in MSA-3 so the sender can see why a message was not accepted.
//
// The ACK swaps the sending and receiving application/facility of the
// original message and references its control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, ComponentSeparator, 3); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")
	version := incoming.Version
	if version == "" {
		version = "2.5.1"
	}

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: "MSH", Fields: []Field{
		parseField("^~\\&"),
		parseField(ack.SendingApp),
		parseField(ack.SendingFac),
		parseField(ack.ReceivingApp),
		parseField(ack.ReceivingFac),
		parseField(timestamp),
		parseField(""),
		parseField(ack.Type),
		parseField(controlID),
		parseField("P"),
		parseField(version),
	}}

	msaFields := []Field{parseField(ackCode), parseField(incoming.ControlID)}
	if text != "" {
		msaFields = append(msaFields, parseField(sanitizeText(text)))
	}

	ack.Segments = []Segment{msh, {Name: "MSA", Fields: msaFields}}
	return ack
}

// sanitizeText strips characters that would break segment structure.
func sanitizeText(s string) string {
	r := strings.NewReplacer("|", "/", "\r", " ", "\n", " ", "^", " ", "~", " ")
	return r.Replace(s)
}
