package hl7v2

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// testORU is a minimal ORU^R01 message used across MLLP tests.
var testORU = "MSH|^~\\&|Analyzer|HEMA1|LIS|LAB|20240115120000||ORU^R01|MSG001|P|2.5.1\rPID|||12345\rOBR|1||ORD1|CBC|||20240115115500\rOBX|1|NM|WBC||5.4|10*9/L|4.0-11.0|N|||F"

// =========== Framing Tests ===========

func TestFrameMessage(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B|||20240115||ORU^R01|C1|P|2.5.1")
	framed := FrameMessage(raw)

	if framed[0] != MLLPStartBlock {
		t.Errorf("expected first byte 0x0B, got 0x%02X", framed[0])
	}
	if framed[len(framed)-2] != MLLPEndBlock {
		t.Errorf("expected second-to-last byte 0x1C, got 0x%02X", framed[len(framed)-2])
	}
	if framed[len(framed)-1] != MLLPCarriageReturn {
		t.Errorf("expected last byte 0x0D, got 0x%02X", framed[len(framed)-1])
	}

	inner := framed[1 : len(framed)-2]
	if !bytes.Equal(inner, raw) {
		t.Errorf("inner bytes do not match original")
	}
}

func TestUnframeMessage_Valid(t *testing.T) {
	raw := []byte("MSH|test")
	framed := FrameMessage(raw)

	msg, rest, found := UnframeMessage(framed)
	if !found {
		t.Fatal("expected found=true")
	}
	if !bytes.Equal(msg, raw) {
		t.Errorf("expected %q, got %q", raw, msg)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty rest, got %d bytes", len(rest))
	}
}

func TestUnframeMessage_NoStart(t *testing.T) {
	data := []byte("no start block here")
	_, _, found := UnframeMessage(data)
	if found {
		t.Error("expected found=false when no start block present")
	}
}

func TestUnframeMessage_Partial(t *testing.T) {
	data := []byte{MLLPStartBlock}
	data = append(data, []byte("MSH|partial")...)

	_, _, found := UnframeMessage(data)
	if found {
		t.Error("expected found=false for partial frame")
	}
}

func TestUnframeMessage_LeadingGarbage(t *testing.T) {
	data := []byte("noise before the frame")
	data = append(data, FrameMessage([]byte("MSH|inner"))...)

	msg, rest, found := UnframeMessage(data)
	if !found {
		t.Fatal("expected found=true with leading garbage")
	}
	if string(msg) != "MSH|inner" {
		t.Errorf("expected payload 'MSH|inner', got %q", msg)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty rest, got %q", rest)
	}
}

func TestUnframeMessage_MultipleMessages(t *testing.T) {
	msg1 := []byte("MSG_ONE")
	msg2 := []byte("MSG_TWO")
	combined := append(FrameMessage(msg1), FrameMessage(msg2)...)

	first, rest, found := UnframeMessage(combined)
	if !found {
		t.Fatal("expected found=true for first message")
	}
	if !bytes.Equal(first, msg1) {
		t.Errorf("first message: expected %q, got %q", msg1, first)
	}

	second, rest2, found2 := UnframeMessage(rest)
	if !found2 {
		t.Fatal("expected found=true for second message")
	}
	if !bytes.Equal(second, msg2) {
		t.Errorf("second message: expected %q, got %q", msg2, second)
	}
	if len(rest2) != 0 {
		t.Errorf("expected empty rest after second message, got %d bytes", len(rest2))
	}
}

// =========== ACK Tests ===========

func TestGenerateACK_AA(t *testing.T) {
	msg := parseTestMessage(t, testORU)
	ack := GenerateACK(msg, "AA")

	if ack.SendingApp != "LIS" {
		t.Errorf("expected SendingApp 'LIS', got %q", ack.SendingApp)
	}
	if ack.SendingFac != "LAB" {
		t.Errorf("expected SendingFac 'LAB', got %q", ack.SendingFac)
	}
	if ack.ReceivingApp != "Analyzer" {
		t.Errorf("expected ReceivingApp 'Analyzer', got %q", ack.ReceivingApp)
	}
	if ack.ReceivingFac != "HEMA1" {
		t.Errorf("expected ReceivingFac 'HEMA1', got %q", ack.ReceivingFac)
	}
	if ack.Type != "ACK^R01" {
		t.Errorf("expected Type 'ACK^R01', got %q", ack.Type)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in ACK")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestGenerateACK_AE(t *testing.T) {
	msg := parseTestMessage(t, testORU)
	ack := GenerateACK(msg, "AE")

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in ACK")
	}
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
}

func TestGenerateACK_SerializeRoundTrip(t *testing.T) {
	msg := parseTestMessage(t, testORU)
	ack := GenerateACK(msg, "AA")

	reparsed, err := Parse(SerializeMessage(ack))
	if err != nil {
		t.Fatalf("serialized ACK failed to parse: %v", err)
	}
	if reparsed.Type != "ACK^R01" {
		t.Errorf("expected reparsed Type 'ACK^R01', got %q", reparsed.Type)
	}
	msa := reparsed.GetSegment("MSA")
	if msa == nil {
		t.Fatal("reparsed ACK missing MSA segment")
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestGenerateNAK(t *testing.T) {
	nak := GenerateNAK("CTRL9")

	msa := nak.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment in NAK")
	}
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "CTRL9" {
		t.Errorf("expected MSA-2 'CTRL9', got %q", msa.GetField(2))
	}

	if _, err := Parse(SerializeMessage(nak)); err != nil {
		t.Errorf("serialized NAK failed to parse: %v", err)
	}
}

// =========== Server Integration Tests ===========

func TestMLLPServer_StartStop(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if s.Addr() == "" {
		t.Fatal("Addr() returned empty string")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestMLLPServer_ReceiveFrame(t *testing.T) {
	type delivery struct {
		frame  string
		remote string
	}
	received := make(chan delivery, 1)
	handler := func(_ context.Context, frame []byte, remote string) []byte {
		received <- delivery{frame: string(frame), remote: remote}
		return nil
	}

	s := NewMLLPServer("127.0.0.1:0", handler)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case d := <-received:
		if d.frame != testORU {
			t.Errorf("handler got wrong frame bytes:\nwant %q\ngot  %q", testORU, d.frame)
		}
		if !strings.HasPrefix(d.remote, "127.0.0.1:") {
			t.Errorf("expected loopback remote addr, got %q", d.remote)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestMLLPServer_SendsACK(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := newFrameReader(conn)
	ack, err := Parse(r.next(t, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK: %v", err)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestMLLPServer_PipelinedFrames(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg1 := "MSH|^~\\&|A|B|C|D|20240115120000||ORU^R01|CTRL1|P|2.5.1\rOBX|1|NM|WBC||5.4"
	msg2 := "MSH|^~\\&|A|B|C|D|20240115120001||ORU^R01|CTRL2|P|2.5.1\rOBX|1|NM|RBC||4.7"

	// Both frames in a single TCP write.
	combined := append(FrameMessage([]byte(msg1)), FrameMessage([]byte(msg2))...)
	if _, err := conn.Write(combined); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// ACKs must come back in order, identified by the echoed control IDs.
	r := newFrameReader(conn)
	for i, want := range []string{"CTRL1", "CTRL2"} {
		ack, err := Parse(r.next(t, 5*time.Second))
		if err != nil {
			t.Fatalf("ACK %d failed to parse: %v", i+1, err)
		}
		msa := ack.GetSegment("MSA")
		if msa == nil {
			t.Fatalf("ACK %d missing MSA segment", i+1)
		}
		if msa.GetField(2) != want {
			t.Errorf("ACK %d: expected MSA-2 %q, got %q", i+1, want, msa.GetField(2))
		}
	}
}

func TestMLLPServer_SplitFrame(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	framed := FrameMessage([]byte(testORU))
	half := len(framed) / 2

	if _, err := conn.Write(framed[:half]); err != nil {
		t.Fatalf("Write first half failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := conn.Write(framed[half:]); err != nil {
		t.Fatalf("Write second half failed: %v", err)
	}

	r := newFrameReader(conn)
	ack, err := Parse(r.next(t, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK for split frame: %v", err)
	}
	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestMLLPServer_MultipleConnections(t *testing.T) {
	var mu sync.Mutex
	var received []string

	handler := func(_ context.Context, frame []byte, _ string) []byte {
		msg, err := Parse(frame)
		if err != nil {
			return nil
		}
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return SerializeMessage(GenerateACK(msg, "AA"))
	}

	s := NewMLLPServer("127.0.0.1:0", handler)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	var wg sync.WaitGroup
	for i, ctrlID := range []string{"CONN1", "CONN2"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
			if err != nil {
				t.Errorf("Dial failed for conn %d: %v", idx, err)
				return
			}
			defer conn.Close()

			msg := "MSH|^~\\&|A|B|C|D|20240115120000||ORU^R01|" + id + "|P|2.5.1\rOBX|1|NM|HGB||13.1"
			if _, err := conn.Write(FrameMessage([]byte(msg))); err != nil {
				t.Errorf("Write failed for conn %d: %v", idx, err)
				return
			}
			newFrameReader(conn).next(t, 5*time.Second)
		}(i, ctrlID)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 messages from 2 connections, got %d", len(received))
	}
}

func TestMLLPServer_UnparseablePayloadNAKs(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte("THIS IS NOT HL7"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := newFrameReader(conn)
	nak, err := Parse(r.next(t, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse NAK: %v", err)
	}
	msa := nak.GetSegment("MSA")
	if msa == nil {
		t.Fatal("NAK missing MSA segment")
	}
	if msa.GetField(1) != "AE" {
		t.Errorf("expected MSA-1 'AE', got %q", msa.GetField(1))
	}

	// The connection must still work for a valid follow-up message.
	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatalf("Write valid message failed: %v", err)
	}
	ack, err := Parse(r.next(t, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK after bad payload: %v", err)
	}
	if msa := ack.GetSegment("MSA"); msa == nil || msa.GetField(1) != "AA" {
		t.Error("expected AA ACK after bad payload")
	}
}

func TestMLLPServer_GarbageBufferTrimmed(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", DefaultHandler())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Flood the connection with frameless noise past the trim threshold.
	noise := bytes.Repeat([]byte("X"), mllpTrimThreshold+mllpTrimKeep)
	if _, err := conn.Write(noise); err != nil {
		t.Fatalf("Write noise failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	// The server must still frame and answer a real message afterwards.
	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatalf("Write valid message failed: %v", err)
	}

	r := newFrameReader(conn)
	ack, err := Parse(r.next(t, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK after garbage: %v", err)
	}
	if msa := ack.GetSegment("MSA"); msa == nil || msa.GetField(1) != "AA" {
		t.Error("expected AA ACK after garbage flood")
	}
}

// =========== Helpers ===========

// parseTestMessage parses an HL7v2 string and fails the test on error.
func parseTestMessage(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("failed to parse test message: %v", err)
	}
	return msg
}

// frameReader reads consecutive MLLP frames off a connection, keeping
// leftover bytes between calls so back-to-back ACKs are not lost.
type frameReader struct {
	conn net.Conn
	buf  []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn}
}

func (r *frameReader) next(t *testing.T, timeout time.Duration) []byte {
	t.Helper()

	r.conn.SetReadDeadline(time.Now().Add(timeout))
	readBuf := make([]byte, 4096)

	for {
		if msg, rest, found := UnframeMessage(r.buf); found {
			r.buf = rest
			return msg
		}

		n, err := r.conn.Read(readBuf)
		if n > 0 {
			r.buf = append(r.buf, readBuf[:n]...)
			continue
		}
		if err != nil {
			t.Fatalf("error reading MLLP response: %v (buf so far: %d bytes)", err, len(r.buf))
		}
	}
}
