// Command tango is a thin demo wiring the netplay stack end to end: it
// dials a rendezvous server, negotiates a peer connection and data
// channel, and starts a Match.
//
// It stops short of driving a real emulator core: emu.Core is a
// caller-supplied adapter around a concrete console implementation. A
// host integration plugs its emu.Core into netplay/frameloop.New after
// Match.StartBattle returns.
package main

import (
	"context"
	"flag"
	"hash/crc32"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	"github.com/murkland/tango/netplay/hooks/bn6"
	"github.com/murkland/tango/netplay/match"
	"github.com/murkland/tango/netplay/negotiate"
	"github.com/murkland/tango/signaling"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/signal", "signaling server URL")
	room := flag.String("room", "default", "session/room name")
	id := flag.String("id", "", "this client's unique ID (default: a random UUID)")
	rom := flag.String("rom", "", "path to the ROM image to load")
	delay := flag.Uint("delay", 3, "local input delay, in ticks")
	flag.Parse()

	if *id == "" {
		*id = uuid.NewString()
	}
	if *rom == "" {
		log.Fatal("tango: -rom is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("tango: session %s as %s, dialing %s", *room, *id, *server)

	sig, err := signaling.Dial(ctx, *server)
	if err != nil {
		log.Fatalf("tango: dial signaling server: %v", err)
	}
	defer sig.Close()

	romData, err := os.ReadFile(*rom)
	if err != nil {
		log.Fatalf("tango: read rom: %v", err)
	}
	title := romTitle(romData)
	if _, ok := bn6.ForTitle(title); !ok {
		log.Fatalf("tango: unsupported game %q", title)
	}

	m := match.New(match.Settings{
		SessionID:  *room,
		GameTitle:  title,
		GameCRC32:  romCRC32(romData),
		InputDelay: uint32(*delay),
		ReplayDir:  ".",
	})

	if err := m.Start(ctx, &roomSignaler{Client: sig, room: *room}); err != nil {
		log.Fatalf("tango: negotiate: %v", err)
	}
	log.Printf("tango: negotiated, rng seed ready")

	b, err := m.StartBattle(uint32(*delay))
	if err != nil {
		log.Fatalf("tango: start battle: %v", err)
	}
	log.Printf("tango: battle started, local player index %d", b.LocalPlayerIndex)

	<-ctx.Done()
	m.Cancel()
}

// roomSignaler threads the -room flag's session ID into every Start call;
// SendAnswer is inherited unchanged from *signaling.Client.
type roomSignaler struct {
	*signaling.Client
	room string
}

func (r *roomSignaler) Start(ctx context.Context, offerSDP string) (negotiate.SignalResponse, error) {
	return r.Client.StartSession(ctx, r.room, offerSDP)
}

// romTitleOffset and romTitleLen are the GBA cartridge header's internal
// title field: 12 ASCII bytes starting at 0xA0.
const (
	romTitleOffset = 0xa0
	romTitleLen    = 12
)

func romTitle(data []byte) string {
	if len(data) < romTitleOffset+romTitleLen {
		return ""
	}
	return strings.TrimRight(string(data[romTitleOffset:romTitleOffset+romTitleLen]), "\x00")
}

func romCRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
