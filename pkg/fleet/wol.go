package fleet

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/executor"
	"github.com/andrej220/fleetbridge/pkg/inventory"
)

// MagicPacket builds the wake-on-LAN payload: six 0xFF bytes followed by the
// hardware address sixteen times.
func MagicPacket(hardwareAddress string) ([]byte, error) {
	hw, err := net.ParseMAC(hardwareAddress)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("wake-on-lan needs a 48-bit address, got %s", hardwareAddress)
	}
	var buf bytes.Buffer
	buf.Grow(6 + 16*6)
	buf.Write(bytes.Repeat([]byte{0xFF}, 6))
	for range 16 {
		buf.Write(hw)
	}
	return buf.Bytes(), nil
}

// SendFunc delivers one magic packet.
type SendFunc func(ctx context.Context, hardwareAddress, broadcast string) error

// SendMagicPacket sends the packet for hardwareAddress to the UDP broadcast
// address.
func SendMagicPacket(ctx context.Context, hardwareAddress, broadcast string) error {
	pkt, err := MagicPacket(hardwareAddress)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", broadcast)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(pkt)
	return err
}

// WakeOptions tunes Wake.
type WakeOptions struct {
	// Broadcast defaults to config.DefaultWakeBroadcast.
	Broadcast string
	Limit     int
	// Send defaults to SendMagicPacket.
	Send SendFunc
}

// Wake sends a magic packet for every included host. It needs no session:
// the packets leave from this machine.
func Wake(ctx context.Context, inv *inventory.Inventory, opts WakeOptions) []Outcome {
	if opts.Broadcast == "" {
		opts.Broadcast = config.DefaultWakeBroadcast
	}
	if opts.Send == nil {
		opts.Send = SendMagicPacket
	}
	logger := lg.FromContext(ctx)
	hosts := slices.Collect(inv.Included())
	return forEach(ctx, hosts, opts.Limit, func(ctx context.Context, h *inventory.Host) Outcome {
		if err := opts.Send(ctx, h.HardwareAddress, opts.Broadcast); err != nil {
			logger.Warn("wake failed", lg.String("host", h.Name), lg.String("mac", h.HardwareAddress), lg.Err(err))
			return Outcome{Result: executor.Result{ExitStatus: -1}, Err: err}
		}
		return Outcome{}
	})
}
