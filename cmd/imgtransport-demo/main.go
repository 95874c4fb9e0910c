// Command imgtransport-demo sends or receives one image over a local IPv4
// multicast group, standing in for a real LoRa/Meshtastic radio so the
// transport can be exercised without one. The multicast wiring follows the
// peer-discovery approach the LTD2 reference program uses for its own
// local-network file transfer.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	imgtransport "github.com/loramesh/imgtransport"
	"github.com/loramesh/imgtransport/config"
	"github.com/loramesh/imgtransport/link"
	"github.com/loramesh/imgtransport/metrics"
	"github.com/loramesh/imgtransport/progress"
	"github.com/loramesh/imgtransport/sender"
	"github.com/loramesh/imgtransport/telemetry"
	"github.com/loramesh/imgtransport/xerrors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	multicastGroup = "239.192.42.99"
	multicastPort  = 9099
)

// multicastDriver is a demo-only link.Driver backed by IPv4 multicast; a
// production build swaps this for a driver that talks to the actual radio
// hardware behind the same interface.
type multicastDriver struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	group   *net.UDPAddr
	handler func(link.Message)
	paused  bool
	selfID  string
}

func newMulticastDriver(selfID string) (*multicastDriver, error) {
	group := &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: multicastPort}
	conn, err := net.ListenPacket("udp4", ":9099")
	if err != nil {
		return nil, err
	}
	udpConn := conn.(*net.UDPConn)
	pc := ipv4.NewPacketConn(udpConn)

	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		_ = pc.JoinGroup(&iface, group)
	}

	return &multicastDriver{conn: udpConn, pc: pc, group: group, selfID: selfID}, nil
}

func (d *multicastDriver) Send(ctx context.Context, peerID string, data []byte) error {
	if d.paused {
		return xerrors.New(xerrors.KindLinkError, "multicastDriver.Send", "link paused")
	}
	_, err := d.conn.WriteToUDP(data, d.group)
	return err
}

func (d *multicastDriver) Subscribe(handler func(link.Message)) { d.handler = handler }
func (d *multicastDriver) Pause()                               { d.paused = true }
func (d *multicastDriver) Resume()                              { d.paused = false }
func (d *multicastDriver) Close() error                         { return d.conn.Close() }

func (d *multicastDriver) listen(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if d.paused || d.handler == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.handler(link.Message{PeerID: addr.String(), Data: data})
	}
}

func main() {
	mode := flag.String("mode", "receive", "send|receive")
	imagePath := flag.String("image", "", "path to image file to send (send mode)")
	peer := flag.String("peer", "", "destination peer id (send mode; multicast ignores this)")
	flag.Parse()

	log := telemetry.New("demo", telemetry.InfoLevel)
	cfg := config.Default()

	driver, err := newMulticastDriver(*mode)
	if err != nil {
		log.Error(err, "open multicast driver")
		os.Exit(1)
	}

	reg := metrics.NewRegistry(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	go driver.listen(ctx)

	session := imgtransport.New(cfg, driver, &loggingSink{log: log}, reg, log)
	session.Start(ctx)
	defer session.Close()

	switch *mode {
	case "send":
		if *imagePath == "" {
			log.Error(nil, "send mode requires -image")
			os.Exit(1)
		}
		data, err := os.ReadFile(*imagePath)
		if err != nil {
			log.Error(err, "read image")
			os.Exit(1)
		}
		handle, err := session.Send(ctx, *peer, data, sender.Options{Compress: sender.CompressAuto, Label: *imagePath})
		if err != nil {
			log.Error(err, "send image")
			os.Exit(1)
		}
		select {
		case out := <-handle.Done:
			if out.Success {
				log.Info("transfer completed", map[string]any{"transfer_id": out.TransferID})
			} else {
				log.Error(out.Err, "transfer failed", map[string]any{"transfer_id": out.TransferID})
			}
		case <-ctx.Done():
		}
	case "receive":
		log.Info("listening for incoming transfers", map[string]any{"group": multicastGroup, "port": multicastPort})
		<-ctx.Done()
	}
}

// loggingSink adapts receiver progress/completion callbacks to log lines
// and writes assembled images to the working directory.
type loggingSink struct {
	log *telemetry.Logger
}

func (s *loggingSink) OnProgress(snap progress.Snapshot) {
	s.log.Debug("progress", map[string]any{"snapshot": snap.String()})
}

func (s *loggingSink) OnComplete(peerID string, transferID uint32, data []byte) {
	name := "received-" + peerID + ".bin"
	if err := os.WriteFile(name, data, 0o644); err != nil {
		s.log.Error(err, "write assembled image")
		return
	}
	s.log.Info("transfer assembled", map[string]any{"peer_id": peerID, "transfer_id": transferID, "bytes": len(data), "path": name})
}

func (s *loggingSink) OnFailed(peerID string, transferID uint32, err error) {
	s.log.Error(err, "transfer failed", map[string]any{"peer_id": peerID, "transfer_id": transferID})
}
