package tftp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted is one RecvFrom result the fake server produces: a single reply
// datagram (possibly from a different address, to exercise TID
// adoption/rebinding), or a receive timeout.
type scripted struct {
	reply   []byte
	from    net.Addr
	timeout bool
}

// scriptedTransport is a Transport test double driven entirely in-process:
// it records writes and feeds back canned reads instead of touching a
// real socket.
type scriptedTransport struct {
	t *testing.T

	script []scripted
	pos    int

	sent [][]byte
}

func (s *scriptedTransport) SendTo(b []byte, addr net.Addr) error {
	cp := append([]byte(nil), b...)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *scriptedTransport) RecvFrom(b []byte, deadline time.Duration) (int, net.Addr, error) {
	if s.pos >= len(s.script) {
		s.t.Fatalf("scriptedTransport: RecvFrom called past end of script (pos=%d)", s.pos)
	}
	step := s.script[s.pos]
	s.pos++
	if step.timeout {
		return 0, nil, ErrTimedOut
	}
	n := copy(b, step.reply)
	return n, step.from, nil
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

func defaultOpts(server net.Addr) Options {
	return Options{
		ServerAddr:  server,
		BaseTimeout: 50 * time.Millisecond,
		MaxTimeout:  200 * time.Millisecond,
		MaxRetries:  3,
	}
}

// Test_Download_smallFile covers a read transfer whose single DATA block is
// shorter than DataBlockSize: end-of-file on the first block.
func Test_Download_smallFile(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	data := &DataPacket{Block: 1, Data: []byte{1, 2, 3, 4}}
	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: data.Bytes(), from: tid},
		},
	}

	got, err := Download(context.Background(), tr, "foo.txt", defaultOpts(server))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.Len(t, tr.sent, 2)
	rrq, err := DecodePacket(tr.sent[0])
	require.NoError(t, err)
	assert.Equal(t, &RequestPacket{Opcode: OpRRQ, Filename: "foo.txt", Mode: ModeOctet}, rrq)
	ack, err := DecodePacket(tr.sent[1])
	require.NoError(t, err)
	assert.Equal(t, &AckPacket{Block: 1}, ack)
}

// Test_Download_exactMultipleOfBlockSize covers the two-DATA-packet case: a
// full 512-byte block followed by an empty terminal block.
func Test_Download_exactMultipleOfBlockSize(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	full := bytes.Repeat([]byte{0xAB}, DataBlockSize)
	data1 := &DataPacket{Block: 1, Data: full}
	data2 := &DataPacket{Block: 2, Data: []byte{}}

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: data1.Bytes(), from: tid},
			{reply: data2.Bytes(), from: tid},
		},
	}

	got, err := Download(context.Background(), tr, "big.bin", defaultOpts(server))
	require.NoError(t, err)
	assert.Equal(t, full, got)
	require.Len(t, tr.sent, 3)
}

// Test_Download_tidAdoption verifies the first reply's source address is
// adopted as the locked peer, and a datagram from a third address is
// dropped once the TID is locked.
func Test_Download_tidAdoption(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")
	rogue := udpAddr(t, "203.0.113.9:9999")

	full := bytes.Repeat([]byte{0xAB}, DataBlockSize)
	data1 := &DataPacket{Block: 1, Data: full}
	rogueData := &DataPacket{Block: 2, Data: []byte{0xEE}}
	data2 := &DataPacket{Block: 2, Data: []byte{9}}
	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: data1.Bytes(), from: tid},
			{reply: rogueData.Bytes(), from: rogue},
			{reply: data2.Bytes(), from: tid},
		},
	}

	got, err := Download(context.Background(), tr, "f", defaultOpts(server))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, full...), 9), got)
	require.Len(t, tr.sent, 3)
}

// Test_Upload_smallFile covers a write transfer of a payload shorter than
// DataBlockSize: WRQ, a single DATA block, done.
func Test_Upload_smallFile(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	ack0 := &AckPacket{Block: 0}
	ack1 := &AckPacket{Block: 1}
	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: ack0.Bytes(), from: tid},
			{reply: ack1.Bytes(), from: tid},
		},
	}

	err := Upload(context.Background(), tr, "foo.txt", []byte{1, 2, 3, 4}, defaultOpts(server))
	require.NoError(t, err)

	require.Len(t, tr.sent, 2)
	wrq, err := DecodePacket(tr.sent[0])
	require.NoError(t, err)
	assert.Equal(t, &RequestPacket{Opcode: OpWRQ, Filename: "foo.txt", Mode: ModeOctet}, wrq)
	d, err := DecodePacket(tr.sent[1])
	require.NoError(t, err)
	assert.Equal(t, &DataPacket{Block: 1, Data: []byte{1, 2, 3, 4}}, d)
}

// Test_Upload_exactMultipleOfBlockSize covers the implicit empty final
// chunk: a 1024-byte payload (two full 512-byte blocks) uploads as three
// DATA packets, the last carrying zero bytes.
func Test_Upload_exactMultipleOfBlockSize(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	payload := bytes.Repeat([]byte{0xCD}, 1024)

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: (&AckPacket{Block: 0}).Bytes(), from: tid},
			{reply: (&AckPacket{Block: 1}).Bytes(), from: tid},
			{reply: (&AckPacket{Block: 2}).Bytes(), from: tid},
			{reply: (&AckPacket{Block: 3}).Bytes(), from: tid},
		},
	}

	err := Upload(context.Background(), tr, "big.bin", payload, defaultOpts(server))
	require.NoError(t, err)
	require.Len(t, tr.sent, 4)

	last, err := DecodePacket(tr.sent[3])
	require.NoError(t, err)
	dp, ok := last.(*DataPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(3), dp.Block)
	assert.Empty(t, dp.Data)
}

// Test_Upload_duplicateAck verifies Sorcerer's Apprentice suppression: a
// repeated ack for the already-acknowledged block is ignored without a
// retransmit.
func Test_Upload_duplicateAck(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: (&AckPacket{Block: 0}).Bytes(), from: tid},
			{reply: (&AckPacket{Block: 0}).Bytes(), from: tid}, // duplicate
			{reply: (&AckPacket{Block: 1}).Bytes(), from: tid},
		},
	}

	err := Upload(context.Background(), tr, "f", []byte{1, 2, 3}, defaultOpts(server))
	require.NoError(t, err)
	// Only the WRQ and a single DATA block 1 are sent; the duplicate ack
	// did not trigger a retransmit.
	assert.Len(t, tr.sent, 2)
}

// Test_Download_protocolError verifies a server ERROR packet surfaces as
// KindProtocol with the code and message preserved.
func Test_Download_protocolError(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	errPkt, err := NewErrorPacket(ErrCodeNoFile, "no such file")
	require.NoError(t, err)

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: errPkt.Bytes(), from: tid},
		},
	}

	_, err = Download(context.Background(), tr, "missing.txt", defaultOpts(server))
	require.Error(t, err)

	var tftpErr *Error
	require.ErrorAs(t, err, &tftpErr)
	assert.Equal(t, KindProtocol, tftpErr.Kind)
	assert.Equal(t, ErrCodeNoFile, tftpErr.Code)
	assert.Equal(t, "no such file", tftpErr.Msg)
}

// Test_Download_timeoutExhaustion verifies that MaxRetries consecutive
// timeouts with no forward progress fail with KindTimeout.
func Test_Download_timeoutExhaustion(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")

	opts := defaultOpts(server)
	opts.MaxRetries = 2

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{timeout: true},
			{timeout: true},
		},
	}

	_, err := Download(context.Background(), tr, "f", opts)
	require.Error(t, err)

	var tftpErr *Error
	require.ErrorAs(t, err, &tftpErr)
	assert.Equal(t, KindTimeout, tftpErr.Kind)
	assert.ErrorIs(t, err, ErrTimeout)

	// One initial send plus one retransmit per timeout beyond the first.
	assert.Len(t, tr.sent, 2)
}

// Test_Download_unexpectedPacket verifies an ACK arriving in place of DATA
// surfaces as KindUnexpectedPacket.
func Test_Download_unexpectedPacket(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	tid := udpAddr(t, "203.0.113.1:34000")

	tr := &scriptedTransport{
		t: t,
		script: []scripted{
			{reply: (&AckPacket{Block: 1}).Bytes(), from: tid},
		},
	}

	_, err := Download(context.Background(), tr, "f", defaultOpts(server))
	require.Error(t, err)

	var tftpErr *Error
	require.ErrorAs(t, err, &tftpErr)
	assert.Equal(t, KindUnexpectedPacket, tftpErr.Kind)
}

// Test_Download_contextCancellation verifies ctx is honored before any I/O
// is attempted.
func Test_Download_contextCancellation(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &scriptedTransport{t: t}
	_, err := Download(ctx, tr, "f", defaultOpts(server))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.sent)
}

// Test_Options_validate rejects malformed Options before any network I/O.
func Test_Options_validate(t *testing.T) {
	server := udpAddr(t, "203.0.113.1:69")

	var tests = []struct {
		name string
		opts Options
	}{
		{"zero base timeout", Options{ServerAddr: server, MaxTimeout: time.Second, MaxRetries: 1}},
		{"max below base", Options{ServerAddr: server, BaseTimeout: time.Second, MaxTimeout: time.Millisecond, MaxRetries: 1}},
		{"zero retries", Options{ServerAddr: server, BaseTimeout: time.Second, MaxTimeout: time.Second, MaxRetries: 0}},
		{"nil server addr", Options{BaseTimeout: time.Second, MaxTimeout: time.Second, MaxRetries: 1}},
	}

	for i, tt := range tests {
		_, err := Download(context.Background(), &scriptedTransport{t: t}, "f", tt.opts)
		assert.ErrorIsf(t, err, ErrInvalidOptions, "[%02d] %s", i, tt.name)
	}
}
