package main

import "net"

// defaultDialer is the connection pool's dial function for real network
// egress.
var defaultDialer = (&net.Dialer{}).DialContext
