// Package upnp is the optional NAT-traversal collaborator (spec.md §1,
// §6 "--upnp"): it requests a port mapping from a discovered IGD at
// startup and removes it on clean shutdown. Failure to establish a
// mapping is never fatal (spec.md §6: "failure to establish a mapping is
// non-fatal").
package upnp

import (
	"fmt"
	"net"

	"github.com/gravitational/trace"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

// protocol is fixed to TCP: the wire protocol (spec.md §6) is always a
// TLS-over-TCP stream.
const protocol = "TCP"

// Mapping represents an established port mapping to be removed on
// shutdown. A nil Mapping means no mapping was established and Close is
// a no-op.
type Mapping struct {
	client       *internetgateway2.WANIPConnection1
	externalPort uint16
	log          *logrus.Entry
}

// RequestMapping discovers an IGD1-compatible router on the LAN and
// requests an external->internal port mapping for port. It returns a
// nil *Mapping (and a non-nil error only for logging purposes by the
// caller) when no router responds, matching the "non-fatal" contract.
func RequestMapping(port uint16, log *logrus.Entry) (*Mapping, error) {
	if log == nil {
		log = logrus.WithField(trace.Component, "upnp")
	}

	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, trace.Wrap(err, "discovering UPnP internet gateway")
	}
	if len(clients) == 0 {
		return nil, trace.NotFound("no UPnP internet gateway device found")
	}

	client := clients[0]
	localIP, err := outboundIP()
	if err != nil {
		return nil, trace.Wrap(err, "determining local address for UPnP mapping")
	}

	desc := fmt.Sprintf("nexus:%d", port)
	if err := client.AddPortMapping("", port, protocol, port, localIP, true, desc, 0); err != nil {
		return nil, trace.Wrap(err, "requesting UPnP port mapping for port %d", port)
	}

	log.WithField("port", port).Info("established UPnP port mapping")
	return &Mapping{client: client, externalPort: port, log: log}, nil
}

// Close removes the port mapping established by RequestMapping. It is
// safe to call on a nil *Mapping.
func (m *Mapping) Close() error {
	if m == nil {
		return nil
	}
	if err := m.client.DeletePortMapping("", m.externalPort, protocol); err != nil {
		m.log.WithError(err).Warn("failed to remove UPnP port mapping")
		return trace.Wrap(err)
	}
	m.log.WithField("port", m.externalPort).Info("removed UPnP port mapping")
	return nil
}

// outboundIP reports the local address the OS would route a connection
// to a public host through, used as the UPnP mapping's internal client
// address. No packet is actually sent: UDP "connect" only consults the
// routing table.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "203.0.113.1:80")
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
