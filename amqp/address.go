package amqp

import (
	"fmt"
	"strings"
)

const (
	ManagementAddress    = "$management"
	DefaultConsumerGroup = "$Default"
)

// SenderAddress returns the link target for an event hub, optionally pinned
// to a partition.
func SenderAddress(eventHub, partitionID string) string {
	if partitionID == "" {
		return eventHub
	}
	return eventHub + "/Partitions/" + partitionID
}

// ReceiverAddress returns the link source for a consumer group partition.
func ReceiverAddress(eventHub, consumerGroup, partitionID string) string {
	return fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", eventHub, consumerGroup, partitionID)
}

// Address is a parsed link address.
type Address struct {
	EventHub      string
	ConsumerGroup string
	PartitionID   string
}

// ParseAddress parses addresses built by SenderAddress and ReceiverAddress.
func ParseAddress(addr string) (Address, error) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Address{EventHub: parts[0]}, nil
	case len(parts) == 3 && parts[1] == "Partitions":
		return Address{EventHub: parts[0], PartitionID: parts[2]}, nil
	case len(parts) == 5 && parts[1] == "ConsumerGroups" && parts[3] == "Partitions":
		return Address{EventHub: parts[0], ConsumerGroup: parts[2], PartitionID: parts[4]}, nil
	default:
		return Address{}, fmt.Errorf("amqp: malformed address %q", addr)
	}
}

// JoinPath joins an endpoint URL and a link address into the path a token is
// requested for.
func JoinPath(endpoint, address string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(address, "/")
}
