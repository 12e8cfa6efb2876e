package hl7v2

import (
	"bytes"
	"context"
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

	// mllpMaxMessageSize is the hard cap for a single in-flight frame (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpTrimThreshold is the buffer size above which frameless garbage
	// (no start block in the buffer) gets discarded.
	mllpTrimThreshold = 8 << 10

	// mllpTrimKeep is how much of the buffer tail survives a trim.
	mllpTrimKeep = 2 << 10

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second
)

// FrameHandler is called once per complete MLLP frame with the unframed
// payload bytes and the remote address of the sending connection. The
// returned bytes are framed and written back as the synchronous ACK/NAK;
// return nil to send no response.
//
// Handlers receive the raw bytes rather than a parsed Message because
// unparseable payloads still need to be recorded and NAK'd.
type FrameHandler func(ctx context.Context, frame []byte, remoteAddr string) []byte

// MLLPServer listens for MLLP-framed HL7v2 traffic over TCP. Each accepted
// connection is served by its own goroutine; frames within one connection
// are handled strictly in arrival order, with the response written before
// the next frame is taken from the buffer.
type MLLPServer struct {
	addr     string
	handler  FrameHandler
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMLLPServer creates a server that will listen on addr and dispatch each
// complete frame to handler. The server holds no ambient global state; the
// caller owns its lifecycle via Start and Stop.
func NewMLLPServer(addr string, handler FrameHandler) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		logger:  zerolog.Nop(),
	}
}

// SetLogger attaches a logger; by default the server is silent.
func (s *MLLPServer) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Start begins listening. Non-blocking: the accept loop runs in a
// background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Stop closes the listener and all tracked connections, then waits for
// every connection goroutine to finish. In-flight frame handling completes
// before Stop returns.
func (s *MLLPServer) Stop() error {
	close(s.done)

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
	s.logger.Info().Msg("mllp listener stopped")
	return err
}

// Addr returns the bound listener address, useful when started on port 0.
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
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("mllp accept error")
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

// handleConnection accumulates bytes, extracts every complete frame in
// order, and dispatches each to the handler. Partial frames stay buffered
// across reads; multiple back-to-back frames in one read are all handled.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	ctx := context.Background()
	remote := conn.RemoteAddr().String()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", remote).Msg("mllp frame exceeds max size, closing connection")
				return
			}

			for {
				frame, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.dispatchFrame(ctx, conn, frame, remote)
			}

			// A buffer this large with no start block in it is not a
			// partial frame, just noise; keep only the tail so a broken
			// sender cannot grow it without bound.
			if len(buf) > mllpTrimThreshold && bytes.IndexByte(buf, MLLPStartBlock) == -1 {
				buf = append(buf[:0:0], buf[len(buf)-mllpTrimKeep:]...)
				s.logger.Warn().Str("remote", remote).Msg("mllp buffer trimmed, no start block seen")
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

// dispatchFrame hands one unframed payload to the handler and writes the
// framed response, if any, back on the same connection.
func (s *MLLPServer) dispatchFrame(ctx context.Context, conn net.Conn, frame []byte, remote string) {
	resp := s.handler(ctx, frame, remote)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(FrameMessage(resp)); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("mllp write error")
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

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

// UnframeMessage extracts one message from an MLLP byte stream. It locates
// the first start block, then the end block sequence after it, and returns
// the payload between them, the remaining bytes after the frame, and
// whether a complete frame was present.
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

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// GenerateACK creates an HL7v2 ACK for the given incoming message. ackCode
// is "AA" (application accept), "AE" (application error) or "AR" (reject).
// Sending and receiving application/facility are swapped relative to the
// incoming message, and MSA-2 echoes the incoming control ID.
func GenerateACK(incoming *Message, ackCode string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))

	version := incoming.Version
	if version == "" {
		version = "2.3.1"
	}

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		ProcessingID: "P",
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Delims:       DefaultDelimiters(),
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			{Value: "|", Components: []string{"|"}},                               // MSH-1
			{Value: `^~\&`, Components: []string{`^~\&`}},                         // MSH-2
			{Value: ack.SendingApp, Components: []string{ack.SendingApp}},         // MSH-3
			{Value: ack.SendingFac, Components: []string{ack.SendingFac}},         // MSH-4
			{Value: ack.ReceivingApp, Components: []string{ack.ReceivingApp}},     // MSH-5
			{Value: ack.ReceivingFac, Components: []string{ack.ReceivingFac}},     // MSH-6
			{Value: timestamp, Components: []string{timestamp}},                   // MSH-7
			{Value: "", Components: []string{""}},                                 // MSH-8
			{Value: "ACK^" + trigger, Components: []string{"ACK", trigger}},       // MSH-9
			{Value: controlID, Components: []string{controlID}},                   // MSH-10
			{Value: "P", Components: []string{"P"}},                               // MSH-11
			{Value: version, Components: []string{version}},                       // MSH-12
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			{Value: ackCode, Components: []string{ackCode}},                       // MSA-1
			{Value: incoming.ControlID, Components: []string{incoming.ControlID}}, // MSA-2
		},
	}

	ack.Segments = []Segment{msh, msa}
	return ack
}

// GenerateNAK builds an AE acknowledgement for a payload whose MSH could
// not be parsed. Routing fields are left empty; MSA-2 carries whatever
// control ID could be salvaged (possibly none).
func GenerateNAK(controlID string) *Message {
	stub := &Message{ControlID: controlID, Version: "2.3.1"}
	return GenerateACK(stub, "AE")
}

// ---------------------------------------------------------------------------
// Message serialization
// ---------------------------------------------------------------------------

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	var segments []string
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment renders one segment. MSH is reconstructed as
// "MSH|" + fields from MSH-2 onward, since Fields[0] is the separator itself.
func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// DefaultHandler returns a FrameHandler that parses each frame and answers
// AA, or AE when the payload has no usable MSH. Useful for tests and for
// running the listener without a pipeline attached.
func DefaultHandler() FrameHandler {
	return func(_ context.Context, frame []byte, _ string) []byte {
		msg, err := Parse(frame)
		if err != nil {
			return SerializeMessage(GenerateNAK(""))
		}
		return SerializeMessage(GenerateACK(msg, "AA"))
	}
}
