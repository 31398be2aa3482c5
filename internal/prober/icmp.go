package prober

import (
	"context"
	"errors"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"net"
	"os"
	"sync/atomic"
	"time"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var (
	ErrNoAddress   = errors.New("no usable IP address")
	ErrUnreachable = errors.New("destination unreachable")
)

// ICMPProber sends a single echo request itself instead of shelling out to ping.
//
// Unprivileged mode uses datagram ICMP sockets (Linux needs net.ipv4.ping_group_range
// to include the process' group, macOS allows them by default), privileged mode uses
// raw sockets and requires CAP_NET_RAW or root.
type ICMPProber struct {
	logger     *zap.Logger
	timeout    time.Duration
	privileged bool
	resolver   *net.Resolver

	seq atomic.Uint32
}

type ICMPOption func(*ICMPProber)

func WithICMPLogger(logger *zap.Logger) ICMPOption {
	return func(ip *ICMPProber) {
		ip.logger = logger
	}
}

func WithICMPTimeout(timeout time.Duration) ICMPOption {
	return func(ip *ICMPProber) {
		ip.timeout = timeout
	}
}

func WithPrivileged(privileged bool) ICMPOption {
	return func(ip *ICMPProber) {
		ip.privileged = privileged
	}
}

func WithResolver(resolver *net.Resolver) ICMPOption {
	return func(ip *ICMPProber) {
		ip.resolver = resolver
	}
}

func NewICMP(opts ...ICMPOption) *ICMPProber {
	ip := &ICMPProber{}

	for _, opt := range opts {
		opt(ip)
	}

	if ip.logger == nil {
		ip.logger = zap.NewNop()
	}
	if ip.timeout <= 0 {
		ip.timeout = DefaultTimeout
	}
	if ip.resolver == nil {
		ip.resolver = net.DefaultResolver
	}

	return ip
}

func (ip *ICMPProber) Probe(ctx context.Context, address string) bool {
	subCtx, cancel := context.WithTimeout(ctx, ip.timeout)
	defer cancel()

	if err := ip.echo(subCtx, address); err != nil {
		ip.logger.Debug("host is not reachable", zap.String("address", address), zap.Error(err))

		return false
	}

	return true
}

func (ip *ICMPProber) echo(ctx context.Context, address string) error {
	dst, err := ip.resolve(ctx, address)
	if err != nil {
		return err
	}

	isIPv4 := dst.To4() != nil

	// The kernel rewrites the identifier of datagram sockets
	exchange := echoExchange{
		dst:     dst,
		id:      os.Getpid() & 0xffff,
		seq:     int(ip.seq.Add(1) & 0xffff),
		checkID: ip.privileged,
	}

	var network, listenAddress string

	if isIPv4 {
		network, listenAddress = "udp4", "0.0.0.0"
		if ip.privileged {
			network = "ip4:icmp"
		}
		exchange.protocol = protocolICMP
		exchange.request, exchange.reply = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	} else {
		network, listenAddress = "udp6", "::"
		if ip.privileged {
			network = "ip6:ipv6-icmp"
		}
		exchange.protocol = protocolIPv6ICMP
		exchange.request, exchange.reply = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	conn, err := icmp.ListenPacket(network, listenAddress)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	request := icmp.Message{
		Type: exchange.request,
		Body: &icmp.Echo{
			ID:   exchange.id,
			Seq:  exchange.seq,
			Data: []byte("relay-probe"),
		},
	}
	wireRequest, err := request.Marshal(nil)
	if err != nil {
		return err
	}

	var target net.Addr = &net.UDPAddr{IP: dst}
	if ip.privileged {
		target = &net.IPAddr{IP: dst}
	}

	if _, err := conn.WriteTo(wireRequest, target); err != nil {
		return err
	}

	buf := make([]byte, 1500)

	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		message, err := icmp.ParseMessage(exchange.protocol, buf[:n])
		if err != nil {
			continue
		}

		// Raw sockets see every ICMP message the host receives, sibling probes' included
		switch exchange.classify(message, peer) {
		case replyReachable:
			return nil
		case replyUnreachable:
			return ErrUnreachable
		case replyUnrelated:
		}
	}
}

type replyVerdict int

const (
	replyUnrelated replyVerdict = iota
	replyReachable
	replyUnreachable
)

// echoExchange identifies one echo request and recognizes the messages answering it.
type echoExchange struct {
	protocol int
	request  icmp.Type
	reply    icmp.Type
	dst      net.IP
	id       int
	seq      int
	checkID  bool
}

func (exchange echoExchange) classify(message *icmp.Message, peer net.Addr) replyVerdict {
	switch body := message.Body.(type) {
	case *icmp.Echo:
		if message.Type == exchange.reply && peerIP(peer).Equal(exchange.dst) && exchange.matches(body) {
			return replyReachable
		}
	case *icmp.DstUnreach:
		if exchange.quotes(body.Data) {
			return replyUnreachable
		}
	}

	return replyUnrelated
}

func (exchange echoExchange) matches(echo *icmp.Echo) bool {
	return echo.Seq == exchange.seq && (!exchange.checkID || echo.ID == exchange.id)
}

// quotes reports whether an error message's payload, the offending packet's IP
// header followed by the start of its ICMP message, is this exchange's request.
func (exchange echoExchange) quotes(data []byte) bool {
	var dst net.IP
	var quoted []byte

	if exchange.protocol == protocolICMP {
		header, err := ipv4.ParseHeader(data)
		if err != nil {
			return false
		}

		dst, quoted = header.Dst, data[header.Len:]
	} else {
		header, err := ipv6.ParseHeader(data)
		if err != nil {
			return false
		}

		dst, quoted = header.Dst, data[ipv6.HeaderLen:]
	}

	message, err := icmp.ParseMessage(exchange.protocol, quoted)
	if err != nil || message.Type != exchange.request {
		return false
	}

	echo, ok := message.Body.(*icmp.Echo)

	return ok && dst.Equal(exchange.dst) && exchange.matches(echo)
}

func peerIP(peer net.Addr) net.IP {
	switch addr := peer.(type) {
	case *net.IPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	default:
		return nil
	}
}

func (ip *ICMPProber) resolve(ctx context.Context, address string) (net.IP, error) {
	if parsed := net.ParseIP(address); parsed != nil {
		return parsed, nil
	}

	addrs, err := ip.resolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	if len(addrs) != 0 {
		return addrs[0].IP, nil
	}

	return nil, ErrNoAddress
}
