package libp2p

import (
	"crypto/sha256"
	"encoding/base64"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
)

// MessageID derives the overlay id of a payload published by from. Sender
// and receivers compute the same value, so the id returned by a publish
// matches the id seen by remote subscribers.
func MessageID(from, data []byte) string {
	h := sha256.New()
	h.Write(from)
	h.Write(data)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func pubsubMessageID(pmsg *pb.Message) string {
	return MessageID(pmsg.GetFrom(), pmsg.GetData())
}

func rendezvousKey(topic string) string {
	return TopicNamespace + "-" + topic
}
