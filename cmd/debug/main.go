// Command debug is a bench client for poking the controller protocol
// over TCP: it frames simple line commands, sends them, and prints the
// decoded responses.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"ledguitar/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run debug client", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:4570", "device tcp address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-command response timeout")
	flag.Parse()

	dialer := net.Dialer{Timeout: 6 * time.Second}
	conn, err := dialer.DialContext(context.Background(), "tcp", *addr)
	if err != nil {
		return fmt.Errorf("dial device: %w", err)
	}
	defer func() { _ = conn.Close() }()
	fmt.Printf("connected to %s\n", *addr)
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if line == "help" {
			printHelp()
			continue
		}

		payload, err := buildPayload(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if err := sendFrame(conn, payload); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(*timeout))
		resp, err := readResponse(conn)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		printResponse(resp)
	}
}

func printHelp() {
	fmt.Println(`commands:
  version | info | status | clear | power | effects | settings
  brightness <0-255>     pattern <id>      led <i> <r> <g> <b>
  claim <user>           verify <user>     unclaim <user>
  enter <user>           commit            exit
  set <param> <bytes...> analytics         confirm <batch>
  raw <hex>              quit`)
}

func buildPayload(line string) ([]byte, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	simple := map[string]protocol.Opcode{
		"version":   protocol.CmdVersion,
		"info":      protocol.CmdInfo,
		"status":    protocol.CmdStatus,
		"clear":     protocol.CmdClear,
		"power":     protocol.CmdPowerGet,
		"effects":   protocol.CmdEffectsGet,
		"settings":  protocol.CmdSettingsGet,
		"save":      protocol.CmdSettingsSave,
		"load":      protocol.CmdSettingsLoad,
		"reset":     protocol.CmdSettingsReset,
		"commit":    protocol.CmdCommitConfig,
		"exit":      protocol.CmdExitConfig,
		"analytics": protocol.CmdRequestAnalytics,
	}
	if op, ok := simple[cmd]; ok {
		return []byte{byte(op)}, nil
	}

	withUser := map[string]protocol.Opcode{
		"claim":   protocol.CmdClaimDevice,
		"verify":  protocol.CmdVerifyOwnership,
		"unclaim": protocol.CmdUnclaimDevice,
		"enter":   protocol.CmdEnterConfig,
	}
	if op, ok := withUser[cmd]; ok {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires a user id", cmd)
		}
		return append([]byte{byte(op)}, []byte(args[0])...), nil
	}

	switch cmd {
	case "brightness", "pattern", "confirm":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires one value", cmd)
		}
		v, err := parseByte(args[0])
		if err != nil {
			return nil, err
		}
		op := protocol.CmdBrightness
		if cmd == "pattern" {
			op = protocol.CmdPattern
		}
		if cmd == "confirm" {
			op = protocol.CmdConfirmAnalytics
		}
		return []byte{byte(op), v}, nil
	case "led":
		if len(args) != 4 {
			return nil, fmt.Errorf("led requires index r g b")
		}
		out := []byte{byte(protocol.CmdSetLED)}
		return appendBytes(out, args)
	case "set":
		if len(args) < 2 {
			return nil, fmt.Errorf("set requires param and value bytes")
		}
		out := []byte{byte(protocol.CmdConfigUpdate)}
		return appendBytes(out, args)
	case "raw":
		if len(args) != 1 {
			return nil, fmt.Errorf("raw requires a hex string")
		}
		raw, err := hex.DecodeString(args[0])
		if err != nil {
			return nil, fmt.Errorf("parse hex: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func appendBytes(out []byte, args []string) ([]byte, error) {
	for _, a := range args {
		v, err := parseByte(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("parse byte %q: %w", s, err)
	}
	return byte(v), nil
}

func sendFrame(conn net.Conn, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	frame := make([]byte, 4+len(payload))
	frame[0], frame[1] = 'L', 'G'
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload))) // #nosec G115
	copy(frame[4:], payload)
	_, err := conn.Write(frame)
	return err
}

func readResponse(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != 'L' || header[1] != 'G' {
		return nil, fmt.Errorf("bad frame marker: %x", header[:2])
	}
	payload := make([]byte, binary.BigEndian.Uint16(header[2:4]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func printResponse(resp []byte) {
	if len(resp) == 0 {
		fmt.Println("empty response")
		return
	}
	if code, ok := protocol.IsErrorResponse(resp); ok {
		fmt.Printf("ERROR 0x%02X (%s)\n", byte(code), code)
		return
	}
	switch resp[0] {
	case byte(protocol.CmdSuccess):
		fmt.Printf("OK %s\n", formatData(resp[1:]))
	case protocol.RespAckConfigMode:
		fmt.Println("ACK config mode")
	case protocol.RespAckCommit:
		fmt.Println("ACK commit")
	case protocol.RespAckSuccess:
		fmt.Printf("ACK %s\n", formatData(resp[1:]))
	case protocol.RespAnalyticsBatch:
		fmt.Printf("ANALYTICS %s\n", hex.EncodeToString(resp[1:]))
	case protocol.MsgTypeSettings:
		fmt.Printf("SETTINGS %s\n", hex.EncodeToString(resp[1:]))
	default:
		fmt.Printf("RESP %s\n", hex.EncodeToString(resp))
	}
}

func formatData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	printable := true
	for _, b := range data {
		if b < 0x20 || b > 0x7E {
			printable = false
			break
		}
	}
	if printable {
		return string(data)
	}
	return hex.EncodeToString(data)
}
