package hark

import (
	"errors"
)

var (
	ErrInvalidCfg       = errors.New("discovery: invalid options")
	ErrInvalidGroup     = errors.New("discovery: group must be an IPv4 multicast address in 224.0.0.1-239.255.255.255")
	ErrInvalidInterface = errors.New("discovery: unknown network interface")
	ErrNotInitialized   = errors.New("discovery: no instance initialized, call Init first")
	ErrShutdown         = errors.New("discovery: shutting down")

	ErrInvalidMinReplies = errors.New("lookup: minReplies must be at least 1")
	ErrLookupTimeout     = errors.New("lookup: gave up waiting for service addresses")

	ErrNotAnnouncement     = errors.New("codec: payload is not an announcement")
	ErrInvalidServiceURI   = errors.New("codec: invalid service uri")
	ErrInvalidAnnouncement = errors.New("codec: announcement cannot be encoded")

	ErrBind         = errors.New("transport: could not bind multicast group")
	ErrBufferSize   = errors.New("transport: could not allocate udp buffer")
	ErrTooLargeSend = errors.New("transport: datagram too large")

	ErrRelayJoin  = errors.New("relay: could not join cluster")
	ErrRelayFrame = errors.New("relay: invalid gossip frame")
)
