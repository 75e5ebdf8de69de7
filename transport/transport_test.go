package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ciena/ofctl/dpid"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvWithin polls the transport until a message or a failure arrives
func recvWithin(t *testing.T, tr Transport, d time.Duration) (*Frame, error) {
	deadline := time.After(d)
	for {
		frame, err := tr.Recv()
		if !errors.Is(err, ErrWouldBlock) {
			return frame, err
		}
		select {
		case <-tr.RecvReady():
		case <-deadline:
			t.Fatalf("nothing received within %s", d)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(of.TypeEchoRequest, 42, []byte{1, 2, 3})
	got, err := ReadFrame(bytes.NewReader(f.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, of.TypeEchoRequest, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.Transaction)
	assert.Equal(t, uint16(HeaderLen+3), got.Header.Length)
	assert.Equal(t, []byte{1, 2, 3}, got.Body)
}

func TestReadFrameErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	_, err = ReadFrame(bytes.NewReader([]byte{4, 0, 0}))
	assert.ErrorIs(t, err, ErrMalformed)

	short := NewFrame(of.TypeHello, 1, nil).Bytes()
	short[3] = 4 // length below header size
	_, err = ReadFrame(bytes.NewReader(short))
	assert.ErrorIs(t, err, ErrMalformed)

	truncated := NewFrame(of.TypeHello, 1, []byte{1, 2, 3, 4}).Bytes()
	_, err = ReadFrame(bytes.NewReader(truncated[:len(truncated)-1]))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTransportRecv(t *testing.T) {
	local, remote := net.Pipe()
	tr := NewTCPTransport(local)
	defer tr.Close()

	_, err := tr.Recv()
	assert.ErrorIs(t, err, ErrWouldBlock)

	go remote.Write(EchoRequest().Bytes())
	frame, err := recvWithin(t, tr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, of.TypeEchoRequest, frame.Header.Type)

	remote.Close()
	_, err = recvWithin(t, tr, time.Second)
	assert.Equal(t, io.EOF, err)

	// the failure is sticky
	_, err = tr.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestTransportSend(t *testing.T) {
	local, remote := net.Pipe()
	tr := NewTCPTransport(local)
	defer tr.Close()
	tr.SetIdentity(dpid.DatapathID(0xab))
	assert.Equal(t, dpid.DatapathID(0xab), tr.Identity())

	ctx := context.Background()
	require.NoError(t, tr.SendRemoteCommand(ctx, "get-logs", []string{"10.0.0.1", "4000"}, true))

	frame, err := ReadFrame(remote)
	require.NoError(t, err)
	command, args, err := ParseRemoteCommand(frame)
	require.NoError(t, err)
	assert.Equal(t, "get-logs", command)
	assert.Equal(t, []string{"10.0.0.1", "4000"}, args)

	require.NoError(t, tr.SendPacket(ctx, &PacketOut{
		BufferID: ofp.NoBuffer,
		InPort:   ofp.PortAny,
		Actions:  OutputTo(PortFlood),
		Data:     []byte{0xde, 0xad},
	}, false))
	frame, err = ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, of.TypePacketOut, frame.Header.Type)
	assert.True(t, bytes.HasSuffix(frame.Body, []byte{0xde, 0xad}))
}

func TestTransportSendWouldBlock(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	tr := NewTCPTransport(local)
	defer tr.Close()

	// nothing reads the remote end, so the writer stalls and the queue fills
	var err error
	for i := 0; i < SendQueueLen+2 && err == nil; i++ {
		err = tr.Send(context.Background(), EchoRequest(), false)
	}
	require.ErrorIs(t, err, ErrWouldBlock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Send(ctx, EchoRequest(), true), context.DeadlineExceeded)

	// draining the peer makes room again
	go io.Copy(io.Discard, remote)
	select {
	case <-tr.SendReady():
	case <-time.After(time.Second):
		t.Fatal("send queue never drained")
	}
	assert.NoError(t, tr.Send(context.Background(), EchoRequest(), true))

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), EchoRequest(), false), ErrClosed)
}

func TestParseFeatures(t *testing.T) {
	features := &ofp.SwitchFeatures{DatapathID: 0x1000000000000005}
	got, err := ParseFeatures(FeaturesReply(9, features))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000000000000005), got.DatapathID)

	_, err = ParseFeatures(NewFrame(of.TypeFeaturesReply, 9, []byte{1, 2}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseFeatures(EchoRequest())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNextXIDNonZero(t *testing.T) {
	xid = ^uint32(0) - 1
	assert.Equal(t, ^uint32(0), NextXID())
	assert.Equal(t, uint32(1), NextXID())
}

func TestListenerAndDialer(t *testing.T) {
	listener, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, listener.Passive())

	_, err = listener.Connect()
	assert.ErrorIs(t, err, ErrWouldBlock)

	dialer := NewDialer(listener.Addr().String())
	assert.False(t, dialer.Passive())

	connect := func(f Factory) Transport {
		for {
			tr, err := f.Connect()
			if err == nil {
				return tr
			}
			require.ErrorIs(t, err, ErrWouldBlock)
			select {
			case <-f.ConnectReady():
			case <-time.After(2 * time.Second):
				t.Fatalf("%s never became ready", f.String())
			}
		}
	}
	active := connect(dialer)
	defer active.Close()
	passive := connect(listener)
	defer passive.Close()

	require.NoError(t, active.Send(context.Background(), EchoRequest(), true))
	frame, err := recvWithin(t, passive, time.Second)
	require.NoError(t, err)
	assert.Equal(t, of.TypeEchoRequest, frame.Header.Type)

	require.NoError(t, listener.Close())
	_, err = listener.Connect()
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, dialer.Close())
	_, err = dialer.Connect()
	assert.ErrorIs(t, err, ErrClosed)
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// scriptedListener hands out queued accept results until closed
type scriptedListener struct {
	results chan acceptResult
	closed  chan struct{}
}

func newScriptedListener() *scriptedListener {
	return &scriptedListener{
		results: make(chan acceptResult, 4),
		closed:  make(chan struct{}),
	}
}

func (s *scriptedListener) Accept() (net.Conn, error) {
	select {
	case r := <-s.results:
		return r.conn, r.err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *scriptedListener) Close() error {
	close(s.closed)
	return nil
}

func (s *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6653}
}

func TestListenerKeepsAcceptingAfterError(t *testing.T) {
	mock := clock.NewMock()
	stub := newScriptedListener()
	listener := newListener(stub, mock)
	defer listener.Close()

	stub.results <- acceptResult{err: &net.OpError{
		Op:  "accept",
		Net: "tcp",
		Err: os.NewSyscallError("accept", syscall.EMFILE),
	}}
	local, remote := net.Pipe()
	defer remote.Close()
	stub.results <- acceptResult{conn: local}

	var accepted Transport
	require.Eventually(t, func() bool {
		mock.Add(AcceptRetryDelay)
		tr, err := listener.Connect()
		if err != nil {
			assert.ErrorIs(t, err, ErrWouldBlock)
			return false
		}
		accepted = tr
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer accepted.Close()

	require.NoError(t, listener.Close())
	_, err := listener.Connect()
	assert.ErrorIs(t, err, ErrClosed)
}
