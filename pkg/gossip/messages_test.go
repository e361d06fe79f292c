package gossip

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessages_JSONRoundTrip(t *testing.T) {
	t.Run("ResourceRequest", func(t *testing.T) {
		want := ResourceRequest{RequestID: "r1", BlobID: "b1", SizeBytes: 1024, OriginatorID: "origin", TargetReplicas: 3}
		data, err := json.Marshal(want)
		require.NoError(t, err)
		var got ResourceRequest
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, want, got)
	})

	t.Run("ResourceOffer", func(t *testing.T) {
		want := ResourceOffer{RequestID: "r1", OffererID: "peer1", AvailableSpace: 2048, EstimatedBandwidth: 123.5}
		data, err := json.Marshal(want)
		require.NoError(t, err)
		var got ResourceOffer
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, want, got)
	})

	t.Run("AssignmentMessage", func(t *testing.T) {
		want := AssignmentMessage{RequestID: "r1", AssigneeID: "peer1", BlobID: "b1", CapabilityToken: "tok", UploadEndpoint: "http://peer1/store"}
		data, err := json.Marshal(want)
		require.NoError(t, err)
		var got AssignmentMessage
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, want, got)
	})

	t.Run("ResultMessage", func(t *testing.T) {
		want := ResultMessage{RequestID: "r1", AssigneeID: "peer1", BlobID: "b1", Success: true}
		data, err := json.Marshal(want)
		require.NoError(t, err)
		var got ResultMessage
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, want, got)
	})
}
