package dtls

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

func TestTransmitterReceiveGarbage(t *testing.T) {
	srv := startEchoServer(t)
	client := connect(t, srv, testClientConfig(testIdentity, testKey))

	_, err := echo(client, "perse")
	require.NoError(t, err)

	require.NoError(t, srv.ch.Send([]byte("malformed dtls packet"), client.LocalAddr()))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Receive()
	require.ErrorIs(t, err, ErrDecrypt)

	// 채널과 세션은 그대로 사용할 수 있어야 합니다.
	resp, err := echo(client, "perse")
	require.NoError(t, err)
	assert.Equal(t, "perse:resp", resp)
}

func TestTransmitterReceiveTamperedRecord(t *testing.T) {
	srv := startEchoServer(t)
	client := connect(t, srv, testClientConfig(testIdentity, testKey))

	_, err := echo(client, "perse")
	require.NoError(t, err)

	record, err := serverSessionFor(t, srv, client).Encrypt([]byte("perse"))
	require.NoError(t, err)
	record[len(record)-1] ^= 0xff
	require.NoError(t, srv.ch.Send(record, client.LocalAddr()))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Receive()
	require.ErrorIs(t, err, ErrDecrypt)

	resp, err := echo(client, "perse")
	require.NoError(t, err)
	assert.Equal(t, "perse:resp", resp)
}

func TestTransmitterReceiveReplayedRecord(t *testing.T) {
	srv := startEchoServer(t)
	client := connect(t, srv, testClientConfig(testIdentity, testKey))

	_, err := echo(client, "perse")
	require.NoError(t, err)

	record, err := serverSessionFor(t, srv, client).Encrypt([]byte("once"))
	require.NoError(t, err)
	require.NoError(t, srv.ch.Send(record, client.LocalAddr()))
	require.NoError(t, srv.ch.Send(record, client.LocalAddr()))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := client.ReceiveString()
	require.NoError(t, err)
	assert.Equal(t, "once", msg)

	_, err = client.Receive()
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestTransmitterReceiveCoalescedDatagram(t *testing.T) {
	srv := startEchoServer(t)
	client := connect(t, srv, testClientConfig(testIdentity, testKey))

	_, err := echo(client, "perse")
	require.NoError(t, err)

	sess := serverSessionFor(t, srv, client)
	var datagram []byte
	for _, msg := range []string{"a", "b"} {
		record, err := sess.Encrypt([]byte(msg))
		require.NoError(t, err)
		datagram = append(datagram, record...)
	}
	require.NoError(t, srv.ch.Send(datagram, client.LocalAddr()))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for _, want := range []string{"a", "b"} {
		msg, err := client.ReceiveString()
		require.NoError(t, err)
		assert.Equal(t, want, msg)
	}

	resp, err := echo(client, "c")
	require.NoError(t, err)
	assert.Equal(t, "c:resp", resp)
}

func TestTransmitterEmptyPayload(t *testing.T) {
	srv := startEchoServer(t)
	client := connect(t, srv, testClientConfig(testIdentity, testKey))

	resp, err := echo(client, "")
	require.NoError(t, err)
	assert.Equal(t, ":resp", resp)
}

func TestTransmitterSaveAndResume(t *testing.T) {
	srv := startEchoServer(t)
	cfg := testClientConfig(testIdentity, testKey)

	first, err := dial(srv, cfg, TransmitterOptions{})
	require.NoError(t, err)
	resp, err := echo(first, "perse")
	require.NoError(t, err)
	require.Equal(t, "perse:resp", resp)

	saved, err := first.SaveSession()
	require.NoError(t, err)
	require.NotEmpty(t, saved)
	suite := first.CipherSuite()
	port := first.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, first.Close())

	// hard close 이므로 서버는 세션을 유지합니다.
	require.Equal(t, 1, srv.NumberOfSessions())

	resumed, err := Create(serverAddr(t, srv), saved, cfg, TransmitterOptions{BindPort: port})
	require.NoError(t, err)
	defer resumed.Close()

	assert.Equal(t, suite, resumed.CipherSuite())
	resp, err = echo(resumed, "again")
	require.NoError(t, err)
	assert.Equal(t, "again:resp", resp)
	assert.Equal(t, 1, srv.NumberOfSessions())
}

func TestCreateRejectsInvalidSnapshot(t *testing.T) {
	cfg := testClientConfig(testIdentity, testKey)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684}

	_, err := Create(dest, []byte("not a session"), cfg, TransmitterOptions{})
	assert.ErrorIs(t, err, ErrInvalidExport)

	_, err = Create(dest, nil, testServerConfig(), TransmitterOptions{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestTransmitterClose(t *testing.T) {
	srv := startEchoServer(t)
	client, err := dial(srv, testClientConfig(testIdentity, testKey), TransmitterOptions{})
	require.NoError(t, err)

	recvErr := make(chan error, 1)
	go func() {
		_, err := client.Receive()
		recvErr <- err
	}()

	require.NoError(t, client.Close())
	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked receive was not released by Close")
	}

	assert.ErrorIs(t, client.SendString("perse"), ErrSessionClosed)
	_, err = client.SaveSession()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, client.Close())
}

func TestConnectAsync(t *testing.T) {
	srv := startEchoServer(t)

	est := ConnectAsync(serverAddr(t, srv), testClientConfig(testIdentity, testKey), TransmitterOptions{Logger: logging.NewNop()})
	select {
	case <-est.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not finish")
	}
	tr, err := est.Result()
	require.NoError(t, err)
	defer tr.Close()

	resp, err := echo(tr, "perse")
	require.NoError(t, err)
	assert.Equal(t, "perse:resp", resp)
}

func TestConnectCanceledByContext(t *testing.T) {
	// 응답하지 않는 피어
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = Connect(ctx, silent.LocalAddr().(*net.UDPAddr), testClientConfig(testIdentity, testKey), TransmitterOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	cfg := testClientConfig(testIdentity, testKey)
	cfg.HandshakeTimeout = 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Connect(ctx, silent.LocalAddr().(*net.UDPAddr), cfg, TransmitterOptions{})
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestConnectRejectsServerConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Connect(ctx, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684}, testServerConfig(), TransmitterOptions{})
	assert.ErrorIs(t, err, ErrConfig)

	bad := NewClientPSKConfig(nil, testKey, nil)
	_, err = Connect(ctx, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684}, bad, TransmitterOptions{})
	assert.ErrorIs(t, err, ErrConfig)
}
