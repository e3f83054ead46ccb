// Command iocontrol runs the I/O control service on a local bus with an
// interactive console.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"iocontrol-go/bus"
	"iocontrol-go/services/bridge"
	"iocontrol-go/services/config"
	"iocontrol-go/services/heartbeat"
	"iocontrol-go/services/iocontrol"
	"iocontrol-go/types"
)

const requestTimeout = 10 * time.Second

func main() {
	var (
		cfgPath   = flag.String("config", "", "YAML config file")
		profile   = flag.String("profile", "sim", "built-in config profile, used without -config")
		level     = flag.String("log-level", "info", "log level")
		listPorts = flag.Bool("list-ports", false, "list serial ports and exit")
		simulate  = flag.Bool("simulate", false, "answer every port with an in-memory modbus slave")
		console   = flag.Bool("console", true, "read commands from stdin")
		boardName = flag.String("board", "host", "board resources: host (in memory) or rpi")
	)
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(lvl).With().Timestamp().Logger()

	if *listPorts {
		ports, err := iocontrol.ListPorts()
		if err != nil {
			log.Fatal().Err(err).Msg("list ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bus.NewBus(16)
	ioConn := b.NewConnection("iocontrol")
	cfgConn := b.NewConnection("config")
	uiConn := b.NewConnection("ui")

	board := iocontrol.HostBoard(0x20)
	if *boardName == "rpi" {
		if board, err = iocontrol.RPiBoard(); err != nil {
			log.Fatal().Err(err).Msg("open board")
		}
		defer iocontrol.CloseBoards()
	}

	svc := iocontrol.New(ioConn, iocontrol.Options{
		Board:    board,
		Simulate: *simulate || (*cfgPath == "" && *profile == "sim"),
		Log:      log,
	})
	go svc.Run(ctx)
	go heartbeat.New(b.NewConnection("heartbeat"), log).Run(ctx)
	go bridge.New(b.NewConnection("bridge"), log).Run(ctx)

	reload := make(chan struct{}, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}()
	config.NewConfigService(config.Source{Path: *cfgPath, Profile: *profile}, log).Start(ctx, cfgConn, reload)

	go watchState(ctx, uiConn, log)

	if *console {
		go func() {
			runConsole(ctx, os.Stdin, os.Stdout, uiConn, svc, reload)
			cancel()
		}()
	}
	<-ctx.Done()
	// Let the service publish its final state.
	time.Sleep(50 * time.Millisecond)
}

func watchState(ctx context.Context, conn *bus.Connection, log zerolog.Logger) {
	sub := conn.Subscribe(iocontrol.TopicState)
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.Channel():
			st, ok := m.Payload.(types.ServiceState)
			if !ok {
				continue
			}
			ev := log.Info()
			if st.Error != "" {
				ev = log.Warn().Str("error", st.Error)
			}
			ev.Str("level", st.Level).Str("status", st.Status).Msg("iocontrol state")
		}
	}
}

func runConsole(ctx context.Context, in io.Reader, out io.Writer, conn *bus.Connection, svc *iocontrol.Service, reload chan<- struct{}) {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		if done := execLine(ctx, sc.Text(), out, conn, svc, reload); done {
			return
		}
		fmt.Fprint(out, "> ")
	}
}

func execLine(ctx context.Context, text string, out io.Writer, conn *bus.Connection, svc *iocontrol.Service, reload chan<- struct{}) bool {
	l, err := parseLine(text)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return false
	}
	if l.req != nil {
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		reply, err := conn.RequestWait(rctx, conn.NewMessage(iocontrol.TopicRequest, l.req, false))
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		printJSON(out, reply.Payload)
		return false
	}

	switch l.verb {
	case "":
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(out, helpText)
	case "reload":
		select {
		case reload <- struct{}{}:
		default:
		}
	case "ports":
		ports, err := iocontrol.ListPorts()
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			break
		}
		for _, p := range ports {
			fmt.Fprintln(out, p)
		}
	case "state":
		states, err := svc.Snapshots(ctx)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			break
		}
		printJSON(out, states)
	case "read", "coils":
		if err := readModbus(ctx, out, svc, l); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	default:
		fmt.Fprintln(out, "unknown command, try help")
	}
	return false
}

func readModbus(ctx context.Context, out io.Writer, svc *iocontrol.Service, l line) error {
	if len(l.args) != 3 {
		return fmt.Errorf("usage: %s <dev> <address> <quantity>", l.verb)
	}
	addr, err := strconv.ParseUint(l.args[1], 0, 16)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	qty, err := strconv.ParseUint(l.args[2], 0, 16)
	if err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	cl, err := svc.ModbusClient(ctx, l.args[0])
	if err != nil {
		return err
	}
	if l.verb == "coils" {
		b, err := cl.ReadCoils(uint16(addr), uint16(qty))
		if err != nil {
			return err
		}
		for i := 0; i < int(qty); i++ {
			fmt.Fprintf(out, "%d: %v\n", int(addr)+i, b[i/8]&(1<<(i%8)) != 0)
		}
		return nil
	}
	b, err := cl.ReadHoldingRegisters(uint16(addr), uint16(qty))
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(b); i += 2 {
		fmt.Fprintf(out, "%d: %d\n", int(addr)+i/2, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return nil
}

func printJSON(out io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, string(b))
}
