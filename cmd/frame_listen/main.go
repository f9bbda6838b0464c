package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"cuemixbridge/internal/mixer"
)

// frame_listen connects straight to a mixer and prints every frame it
// reports. With --send it writes one hex frame first, which is handy for
// probing addresses before adding them to commands.json.

func main() {
	var (
		host    = flag.String("host", "127.0.0.1", "Mixer host")
		port    = flag.Int("port", 1281, "Mixer websocket port")
		serial  = flag.String("serial", "", "Mixer serial number (websocket path)")
		sendHex = flag.String("send", "", "Hex frame to send after connecting (e.g. 000700000001140007000100010f)")
		filter  = flag.Int("id", -1, "Only print frames with this id")
		once    = flag.Bool("once", false, "Exit after sending --send and printing the first reply")
	)
	flag.Parse()

	var payload []byte
	if *sendHex != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(*sendHex, " ", ""))
		if err != nil {
			log.Fatalf("invalid --send frame: %v", err)
		}
		payload = b
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	url := "ws://" + net.JoinHostPort(*host, strconv.Itoa(*port)) + "/" + *serial
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", url)
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	if payload != nil {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, payload)
		writeMu.Unlock()
		if err != nil {
			log.Fatalf("failed to send frame: %v", err)
		}
		log.Printf("sent %s", mixer.FrameHex(payload))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if line, ok := describeFrame(message, *filter); ok {
					fmt.Println(line)
					if *once && payload != nil {
						return
					}
				}
			case websocket.TextMessage:
				fmt.Printf("[TEXT] %s\n", string(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// describeFrame renders one inbound frame. Frames with a different id than
// filter (when filter is not negative) are skipped.
func describeFrame(b []byte, filter int) (string, bool) {
	f, err := mixer.ParseFrame(b)
	if err != nil {
		return fmt.Sprintf("[MALFORMED] %s (%v)", mixer.FrameHex(b), err), filter < 0
	}
	if filter >= 0 && f.ID != filter {
		return "", false
	}

	line := fmt.Sprintf("id=%d index=%d value=0x%x (%d)", f.ID, f.Index, f.Value, f.Value)
	if len(b)-4 == 4 {
		// Four-byte values are mix-bus faders.
		line += fmt.Sprintf(" %.1f dB", mixer.RawToDB(int64(f.Value)))
	}
	return line, true
}
