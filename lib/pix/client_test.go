package pix

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/hl7"
	"github.com/SanteonNL/xdsmediator/lib/resolve"
	"github.com/SanteonNL/xdsmediator/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type recipient chan resolve.Message

func (r recipient) Deliver(msg resolve.Message) {
	r <- msg
}

func (r recipient) receive(t *testing.T) resolve.Message {
	t.Helper()
	select {
	case msg := <-r:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

var localID = hl7.Identifier{Value: "1234", Authority: &hl7.AssigningAuthority{ID: "1.2.3", IDType: "ISO"}}
var ecid = hl7.AssigningAuthority{Name: "ECID", ID: "ECID"}

const rspFound = "MSH|^~\\&|pix|pix|openhim|openhim|20240301||RSP^K23^RSP_K23|1|P|2.5\rMSA|AA|1\rQAK|q1|OK\rPID|||ECID1^^^ECID&ECID&ISO\r"
const rspNotFound = "MSH|^~\\&|pix|pix|openhim|openhim|20240301||RSP^K23^RSP_K23|1|P|2.5\rMSA|AA|1\rQAK|q1|NF\r"

func TestClient_Resolve(t *testing.T) {
	setup := func(t *testing.T) (*Client, *transport.MockConnector, *audit.RecordingSink, *transport.Message) {
		ctrl := gomock.NewController(t)
		connector := transport.NewMockConnector(ctrl)
		sink := &audit.RecordingSink{}
		client := newClientWithConnector(DefaultConfig(), connector, correlation.NewRegistry(time.Minute), sink)
		var sent transport.Message
		connector.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, message transport.Message) error {
			sent = message
			return nil
		})
		return client, connector, sink, &sent
	}
	request := func(replyTo resolve.Recipient) resolve.Request {
		return resolve.Request{
			CorrelationID:   "orchestration-1",
			Kind:            resolve.Patient,
			Identifier:      localID,
			TargetAuthority: ecid,
			ReplyTo:         replyTo,
		}
	}

	t.Run("resolved", func(t *testing.T) {
		client, _, sink, sent := setup(t)
		replies := make(recipient, 1)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		assert.Equal(t, "application/hl7-v2", sent.ContentType)
		assert.Contains(t, string(sent.Body), "QBP^Q23^QBP_Q21")
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Body: []byte(rspFound)})

		response, ok := replies.receive(t).(resolve.Response)
		require.True(t, ok)
		require.NotNil(t, response.Identifier)
		assert.Equal(t, "ECID1^^^ECID&ECID&ISO", response.Identifier.ToCX())
		assert.Equal(t, "orchestration-1", response.Request.CorrelationID)

		event := sink.WaitForEventForTest(t, audit.PIXRequest)
		assert.True(t, event.Outcome)
		assert.Equal(t, "ECID1^^^ECID&ECID&ISO", event.Participants[0].ToCX())
		assert.Equal(t, string(sent.Body), event.Message)
		assert.Contains(t, string(sent.Body), "|"+event.UniqueID+"|P|2.5")
	})
	t.Run("not found", func(t *testing.T) {
		client, _, sink, sent := setup(t)
		replies := make(recipient, 1)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Body: []byte(rspNotFound)})

		response, ok := replies.receive(t).(resolve.Response)
		require.True(t, ok)
		assert.Nil(t, response.Identifier)
		event := sink.WaitForEventForTest(t, audit.PIXRequest)
		assert.False(t, event.Outcome)
		assert.Equal(t, localID, event.Participants[0])
	})
	t.Run("transport error", func(t *testing.T) {
		client, _, _, sent := setup(t)
		replies := make(recipient, 1)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Err: transport.ErrTimeout})

		failure, ok := replies.receive(t).(resolve.Failure)
		require.True(t, ok)
		assert.ErrorIs(t, failure, transport.ErrTimeout)
		assert.Equal(t, "orchestration-1", failure.CorrelationID)
	})
	t.Run("unparseable reply", func(t *testing.T) {
		client, _, _, sent := setup(t)
		replies := make(recipient, 1)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Body: []byte("garbage")})

		_, ok := replies.receive(t).(resolve.Failure)
		require.True(t, ok)
	})
	t.Run("duplicate reply is ignored", func(t *testing.T) {
		client, _, _, sent := setup(t)
		replies := make(recipient, 2)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Body: []byte(rspFound)})
		client.HandleReply(context.Background(), transport.Reply{CorrelationID: sent.CorrelationID, Body: []byte(rspFound)})

		replies.receive(t)
		assert.Empty(t, replies)
	})
	t.Run("expired", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := transport.NewMockConnector(ctrl)
		connector.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
		registry := correlation.NewRegistry(time.Millisecond)
		client := newClientWithConnector(DefaultConfig(), connector, registry, nil)
		replies := make(recipient, 1)

		require.NoError(t, client.Resolve(context.Background(), request(replies)))
		time.Sleep(10 * time.Millisecond)
		registry.DeleteExpired()

		failure, ok := replies.receive(t).(resolve.Failure)
		require.True(t, ok)
		assert.ErrorIs(t, failure, transport.ErrTimeout)
	})
	t.Run("send fails", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := transport.NewMockConnector(ctrl)
		connector.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("no handler"))
		registry := correlation.NewRegistry(time.Minute)
		client := newClientWithConnector(DefaultConfig(), connector, registry, nil)

		err := client.Resolve(context.Background(), request(make(recipient, 1)))

		require.EqualError(t, err, "PIX Resolve Enterprise Identifier: no handler")
		assert.Equal(t, 0, registry.Len())
	})
}

func TestClient_Register(t *testing.T) {
	registration := func(replyTo resolve.Recipient) resolve.RegistrationRequest {
		return resolve.RegistrationRequest{
			CorrelationID: "orchestration-1",
			Identifiers:   []hl7.Identifier{localID},
			Demographics:  resolve.Demographics{GivenName: "Jane", FamilyName: "Doe"},
			ReplyTo:       replyTo,
		}
	}
	t.Run("accepted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := transport.NewMockConnector(ctrl)
		sink := &audit.RecordingSink{}
		client := newClientWithConnector(DefaultConfig(), connector, correlation.NewRegistry(time.Minute), sink)
		var sent transport.Message
		connector.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, message transport.Message) error {
			sent = message
			return nil
		})
		replies := make(recipient, 1)

		require.NoError(t, client.Register(context.Background(), registration(replies)))
		assert.Contains(t, string(sent.Body), "ADT^A04^ADT_A01")
		client.HandleReply(context.Background(), transport.Reply{
			CorrelationID: sent.CorrelationID,
			Body:          []byte("MSH|^~\\&|pix|pix|openhim|openhim|20240301||ACK^A04|1|P|2.5\rMSA|AA|1\r"),
		})

		response, ok := replies.receive(t).(resolve.RegistrationResponse)
		require.True(t, ok)
		assert.True(t, response.Successful)
		event := sink.WaitForEventForTest(t, audit.PIXIdentityFeed)
		assert.True(t, event.Outcome)
		assert.Equal(t, localID, event.Participants[0])
	})
	t.Run("rejected", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		connector := transport.NewMockConnector(ctrl)
		client := newClientWithConnector(DefaultConfig(), connector, correlation.NewRegistry(time.Minute), nil)
		var sent transport.Message
		connector.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, message transport.Message) error {
			sent = message
			return nil
		})
		replies := make(recipient, 1)

		require.NoError(t, client.Register(context.Background(), registration(replies)))
		client.HandleReply(context.Background(), transport.Reply{
			CorrelationID: sent.CorrelationID,
			Body:          []byte("MSH|^~\\&|pix|pix|openhim|openhim|20240301||ACK^A04|1|P|2.5\rMSA|AE|1\rERR|||100^Duplicate\r"),
		})

		response, ok := replies.receive(t).(resolve.RegistrationResponse)
		require.True(t, ok)
		assert.False(t, response.Successful)
		assert.Equal(t, "Failed to register new patient:\n100\nDuplicate\n", response.Reason)
	})
	t.Run("no identifiers", func(t *testing.T) {
		client := newClientWithConnector(DefaultConfig(), nil, correlation.NewRegistry(time.Minute), nil)

		err := client.Register(context.Background(), resolve.RegistrationRequest{})

		require.Error(t, err)
	})
}

func TestClient_MLLP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		request, err := transport.ReadFrame(bufio.NewReader(conn))
		if err != nil || !strings.Contains(string(request), "QBP^Q23") {
			return
		}
		_ = transport.WriteFrame(conn, []byte(rspFound))
	}()
	config := DefaultConfig()
	config.Manager.Host = "127.0.0.1"
	config.Manager.Port = listener.Addr().(*net.TCPAddr).Port
	config.Timeout = 5 * time.Second
	client := NewClient(config, correlation.NewRegistry(time.Minute), nil)
	replies := make(recipient, 1)

	err = client.Resolve(context.Background(), resolve.Request{
		CorrelationID:   "orchestration-1",
		Identifier:      localID,
		TargetAuthority: ecid,
		ReplyTo:         replies,
	})

	require.NoError(t, err)
	response, ok := replies.receive(t).(resolve.Response)
	require.True(t, ok, "expected a response")
	require.NotNil(t, response.Identifier)
	assert.Equal(t, "ECID1", response.Identifier.Value)
	assert.Equal(t, strconv.Itoa(config.Manager.Port), strings.Split(config.Address(), ":")[1])
}
