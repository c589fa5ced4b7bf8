package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/endpoint"
	"github.com/mqy/minichat/identity"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/state"
	"github.com/mqy/minichat/transport"
	"github.com/mqy/minichat/wire"
)

const sendTimeout = 5 * time.Second

var (
	flagMode        = flag.String("mode", os.Getenv("DEV_STATUS"), "1|local, 2|lan or 3|remote; defaults to $DEV_STATUS")
	flagLanIP       = flag.String("lan-ip", os.Getenv("LAN_IP"), "server ip in lan mode; defaults to $LAN_IP")
	flagEndpoint    = flag.String("endpoint", "", "server url, overrides --mode")
	flagAddress     = flag.String("address", "", "wallet address of the local user")
	flagCookies     = flag.String("cookie", "", "semicolon separated name=value cookies sent to the server")
	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics at ip:port, disabled if empty")
	flagDropDB      = flag.String("drop-db", "", "bbolt file that keeps rejected server frames, disabled if empty")
	flagBell        = flag.Bool("bell", true, "ring the terminal bell on incoming messages")
	flagOutgoingCue = flag.Bool("outgoing-cue", false, "ring the terminal bell when the server confirms a sent message")
	flagNoReconnect = flag.Bool("no-reconnect", false, "do not reconnect after the connection drops")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	id := &identity.Settable{}
	id.Set(*flagAddress)

	opts := transport.DefaultOptions()
	opts.Reconnection = !*flagNoReconnect

	var sink notify.Sink = notify.Nop{}
	if *flagBell {
		sink = &notify.Bell{W: os.Stdout}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	cfg := chat.Config{
		Mode:        endpoint.ParseMode(*flagMode),
		LanIP:       *flagLanIP,
		Endpoint:    *flagEndpoint,
		Identity:    id,
		Sink:        sink,
		DropLogPath: *flagDropDB,
		Registerer:  reg,
		OutgoingCue: *flagOutgoingCue,
	}

	if *flagCookies != "" {
		server := cfg.Endpoint
		if server == "" {
			server = endpoint.Resolve(cfg.Mode, cfg.LanIP)
		}
		jar, err := newCookieJar(server, *flagCookies)
		if err != nil {
			return errorf("--cookie: %v", err)
		}
		opts.Jar = jar
	}
	cfg.Transport = opts

	client, err := chat.New(cfg)
	if err != nil {
		return errorf("chat.New error: %v", err)
	}
	defer client.Close()

	if *flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *flagMetricsAddr, Handler: mux}
		go func() {
			glog.Infof("metrics server is listening %s", *flagMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	out := &console{w: os.Stdout}
	unsubscribe := render(client, out)
	defer unsubscribe()

	client.RegisterListeners()
	if err := client.Connect(); err != nil {
		glog.Errorf("connect: %v, run /connect to retry", err)
	}
	glog.Infof("minichat client for %s, `peer message` to send, /help for commands", client.Endpoint())

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			glog.Infof("received signal `%s` stopping", sig.String())
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := execute(client, id, out, line); quit {
				return 0
			}
		}
	}
}

// console serializes writes of the subscribers and the command loop.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func render(client *chat.Client, out *console) func() {
	unsubStatus := client.Status().Subscribe(func(s state.ConnStatus) {
		out.printf("* %s", s)
	})
	unsubPresence := client.Presence().Subscribe(func(table map[string]bool) {
		if len(table) > 0 {
			out.printf("* online: %s", strings.Join(onlineOf(table), ", "))
		}
	})

	seen := make(map[string]int)
	unsubConversations := client.Conversations().Subscribe(func(convs map[string][]wire.ChatMessage) {
		for peer, msgs := range convs {
			if seen[peer] > len(msgs) {
				seen[peer] = 0
			}
			for _, m := range msgs[seen[peer]:] {
				out.printf("%s", formatMessage(peer, m))
			}
			seen[peer] = len(msgs)
		}
	})

	return func() {
		unsubStatus()
		unsubPresence()
		unsubConversations()
	}
}

func formatMessage(peer string, m wire.ChatMessage) string {
	ts := "--:--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04:05")
	}
	arrow := "<"
	if m.To == peer {
		arrow = ">"
	}
	return fmt.Sprintf("[%s] %s %s %s", ts, peer, arrow, m.Body)
}

func onlineOf(table map[string]bool) []string {
	var online []string
	for address, on := range table {
		if on {
			online = append(online, address)
		}
	}
	sort.Strings(online)
	return online
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
	if err := scanner.Err(); err != nil {
		glog.Errorf("read stdin: %v", err)
	}
}

// execute runs one console line, it returns true to quit.
func execute(client *chat.Client, id *identity.Settable, out *console, line string) bool {
	cmd, arg := line, ""
	if i := strings.IndexAny(line, " \t"); i > 0 {
		cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch cmd {
	case "/quit":
		return true
	case "/help":
		out.printf("peer message | /who | /history peer | /drops | /login address | /logout | /connect | /disconnect | /quit")
	case "/who":
		out.printf("* online: %s", strings.Join(onlineOf(client.Presence().Snapshot()), ", "))
	case "/history":
		for _, m := range client.Conversations().History(wire.NormalizeAddress(arg)) {
			out.printf("%s", formatMessage(wire.NormalizeAddress(arg), m))
		}
	case "/drops":
		if client.DropLog() == nil {
			out.printf("* no --drop-db")
			break
		}
		drops, err := client.DropLog().List(20)
		if err != nil {
			out.printf("* drops: %v", err)
			break
		}
		for _, d := range drops {
			out.printf("#%d %s %s: %s %s", d.Seq, d.Time.Format(time.RFC3339), d.Event, d.Reason, d.Payload)
		}
	case "/login", "/logout":
		if cmd == "/login" {
			id.Set(arg)
		} else {
			id.Clear()
		}
		// the server learns the wallet at CONNECT
		if client.Status().Get() == state.Connected {
			client.Disconnect()
			if err := client.Connect(); err != nil {
				out.printf("* connect: %v", err)
			}
		}
	case "/connect":
		if err := client.Connect(); err != nil {
			out.printf("* connect: %v", err)
		}
	case "/disconnect":
		client.Disconnect()
	default:
		if strings.HasPrefix(cmd, "/") {
			out.printf("* unknown command %s, /help for commands", cmd)
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := client.SendDirectMessage(ctx, cmd, arg); err != nil {
			out.printf("* send: %v", err)
		}
	}
	return false
}

// newCookieJar holds cookies for server. cookies is "a=1; b=2".
func newCookieJar(server, cookies string) (http.CookieJar, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	// the handshake asks the jar for the http form of the url
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	var list []*http.Cookie
	for _, kv := range strings.Split(cookies, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bad cookie `%s`, expect name=value", kv)
		}
		list = append(list, &http.Cookie{Name: name, Value: value})
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, list)
	return jar, nil
}

func validateFlags() int {
	if *flagEndpoint == "" {
		mode := endpoint.ParseMode(*flagMode)
		if mode == endpoint.ModeLAN && strings.TrimSpace(*flagLanIP) == "" {
			glog.Warningf("--lan-ip is empty in lan mode, using %s", endpoint.LocalURL)
		}
	} else if _, err := wire.SocketURL(*flagEndpoint); err != nil {
		return errorf("--endpoint: %v", err)
	}
	if *flagMetricsAddr != "" {
		if _, _, err := net.SplitHostPort(*flagMetricsAddr); err != nil {
			return errorf("--metrics-addr: %v", err)
		}
	}
	return 0
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
