package udptracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rkrishnan/swarmd/core"
)

func TestConnectRoundTrip(t *testing.T) {
	require := require.New(t)

	encoded := EncodeConnectRequest(ConnectRequest{TransactionID: 7})
	require.Len(encoded, 16)

	resp := EncodeConnectResponseForTest(7, 12345)
	decoded, err := DecodeConnectResponse(resp)
	require.NoError(err)
	require.EqualValues(7, decoded.TransactionID)
	require.EqualValues(12345, decoded.ConnectionID)
}

// EncodeConnectResponseForTest is a small test helper mirroring the shape a
// tracker collaborator's reply would take; the production path only needs
// to decode this message, never encode it.
func EncodeConnectResponseForTest(tid uint32, connID uint64) []byte {
	buf := make([]byte, 16)
	buf[3] = byte(ActionConnect)
	buf[4], buf[5], buf[6], buf[7] = byte(tid>>24), byte(tid>>16), byte(tid>>8), byte(tid)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(connID >> uint(56-8*i))
	}
	return buf
}

func TestAnnounceRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	var ih core.InfoHash
	var pid core.PeerID
	for i := range ih {
		ih[i] = 0x41
	}
	for i := range pid {
		pid[i] = 0x42
	}

	req := AnnounceRequest{
		ConnectionID:  1,
		TransactionID: 7,
		InfoHash:      ih,
		PeerID:        pid,
		Downloaded:    10,
		Left:          20,
		Uploaded:      30,
		Event:         EventStarted,
		Key:           0x11223344,
		Port:          6881,
	}

	encoded := EncodeAnnounceRequest(req)
	require.Len(encoded, 98)

	action, err := DecodeAction(encoded[8:])
	require.NoError(err)
	require.EqualValues(ActionAnnounce, action)

	decoded, err := DecodeAnnounceRequest(encoded)
	require.NoError(err)
	req.NumWant = -1 // zero-value NumWant encodes as -1; see EncodeAnnounceRequest.
	require.Equal(req, decoded)
}

func TestPausedEventEncodesAsNone(t *testing.T) {
	require := require.New(t)
	require.EqualValues(EventNone, EventPaused)
}

func TestAnnounceResponseRoundTrip(t *testing.T) {
	require := require.New(t)

	resp := AnnounceResponse{
		TransactionID: 1,
		Interval:      1800,
		Leechers:      3,
		Seeders:       5,
		Peers: []AnnouncePeer{
			{IP: [4]byte{1, 2, 3, 4}, Port: 6881},
			{IP: [4]byte{5, 6, 7, 8}, Port: 51413},
		},
	}
	encoded := EncodeAnnounceResponse(resp)
	decoded, err := DecodeAnnounceResponse(encoded)
	require.NoError(err)
	require.Equal(resp, decoded)
}

func TestDecodeScrapeResponse(t *testing.T) {
	require := require.New(t)

	buf := make([]byte, 8+12)
	buf[3] = byte(ActionScrape)
	buf[8+3] = 5  // seeders
	buf[8+7] = 10 // completed
	buf[8+11] = 2 // leechers

	entries, err := DecodeScrapeResponse(buf)
	require.NoError(err)
	require.Equal([]ScrapeEntry{{Seeders: 5, Completed: 10, Leechers: 2}}, entries)
}

func TestDecodeErrorResponse(t *testing.T) {
	require := require.New(t)

	buf := make([]byte, 8)
	buf[3] = byte(ActionError)
	buf[7] = 9
	buf = append(buf, []byte("bad request")...)

	errResp, err := DecodeErrorResponse(buf)
	require.NoError(err)
	require.EqualValues(9, errResp.TransactionID)
	require.Equal("bad request", errResp.Message)
}
