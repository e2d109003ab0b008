package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// icmpID identifies this process's echo requests so unrelated ICMP traffic on
// the same unprivileged socket is ignored. Mixed into every packet's ID.
var icmpID = int32(os.Getpid() & 0xffff)

// seqCounter gives each outbound echo request a distinct sequence number.
var seqCounter uint32

// pingOnce sends a single ICMP echo request to ip and waits up to timeout for
// the matching reply, returning the measured round-trip time on success.
//
// Uses unprivileged "udp4"/"udp6" ICMP sockets (golang.org/x/net/icmp), which
// need no raw-socket capability — the same technique used for echo probing
// in the wider ecosystem (e.g. tomc603/pinger's sender loop).
func pingOnce(ctx context.Context, ip net.IP, timeout time.Duration) (time.Duration, error) {
	if ip == nil {
		return 0, fmt.Errorf("ping: nil target address")
	}

	network, proto, echoType := "udp4", 1, icmp.Type(ipv4.ICMPTypeEcho)
	if ip.To4() == nil {
		network, proto, echoType = "udp6", 58, icmp.Type(ipv6.ICMPTypeEchoRequest)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	conn, err := icmp.ListenPacket(network, listenAddr(network))
	if err != nil {
		return 0, fmt.Errorf("ping: opening icmp socket: %w", err)
	}
	defer conn.Close()

	seq := int(atomic.AddUint32(&seqCounter, 1) & 0xffff)
	payload := make([]byte, 32)
	copy(payload, "icmpmon-probe-payload-0123456789")

	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(icmpID),
			Seq:  seq,
			Data: payload,
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("ping: marshaling echo request: %w", err)
	}

	sendTime := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		return 0, fmt.Errorf("ping: sending echo request: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("ping: setting read deadline: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return 0, errTimeout
			}
			return 0, fmt.Errorf("ping: reading reply: %w", err)
		}

		rm, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}

		switch body := rm.Body.(type) {
		case *icmp.Echo:
			if body.ID == int(icmpID) && body.Seq == seq {
				return time.Since(sendTime), nil
			}
		default:
			// Unrelated ICMP message (e.g. destination unreachable); keep
			// listening until the deadline.
		}
	}
}

func listenAddr(network string) string {
	if network == "udp6" {
		return "::"
	}
	return "0.0.0.0"
}

var errTimeout = errors.New("ping: timed out waiting for echo reply")

func isTimeoutErr(err error) bool {
	return errors.Is(err, errTimeout)
}
