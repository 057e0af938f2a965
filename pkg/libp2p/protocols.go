package libp2p

import "time"

const (
	// ServiceName is the mDNS service tag peers on a LAN find each other by.
	ServiceName = "roomchat"

	// TopicNamespace prefixes the DHT rendezvous key of every room.
	TopicNamespace = "roomchat-topic"
)

const (
	eventQueueSize = 64

	connectTimeout     = 15 * time.Second
	rendezvousInterval = 20 * time.Second
	maintainInterval   = time.Minute

	// lowPeers triggers a re-dial of the seed peers.
	lowPeers = 3

	connLowWater  = 50
	connHighWater = 200
)
