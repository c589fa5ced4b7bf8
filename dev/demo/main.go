// The demo server is a chat server the client can connect to in local and
// lan mode. Messages are optionally saved to mysql and relayed through kafka.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/cluster"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
	"github.com/mqy/minichat/ws"
)

const (
	kafkaGroupId           = "minichat"
	kafkaTopic             = "minichat-messages"
	messagePayloadMaxBytes = 8192
)

// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-messages --create

var (
	flagAddr         = flag.String("addr", "127.0.0.1:10000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "minichat.pid", "pid file")
	flagMysqlDsn     = flag.String("mysql-dsn", "", "mysql server dsn, e.g. root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4; messages are not saved if empty")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers; messages are delivered in place if empty")
	flagMsgTTLDays   = flag.Uint("message-ttldays", 30, "message TTL in days, 0 to keep forever")
	flagMaxBodyBytes = flag.Uint("max-body-bytes", 4096, "max direct message body bytes")
	flagPingInterval = flag.Duration("ping-interval", 25*time.Second, "engine ping interval")

	flagEnableClientMsg = flag.Bool("enable-client-msg", true, "accept dm:send from clients")
	flagDisableMetrics  = flag.Bool("disable-metrics", false, "disable prometheus metrics")
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

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	var messageStore store.IMessageStore
	var db *sql.DB
	if *flagMysqlDsn != "" {
		var err error
		db, err = sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		defer db.Close()

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		ms := store.NewMessageStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = ms.CreateTables(ctx)
		cancel()
		if err != nil {
			return errorf("create tables: %v", err)
		}
		messageStore = ms
	}

	conf := ws.DefaultConf()
	conf.PingInterval = *flagPingInterval
	conf.MaxBodyBytes = int(*flagMaxBodyBytes)
	conf.EnableClientMsg = *flagEnableClientMsg
	hub := ws.NewHub(newAuthClient(), conf)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle(wire.DefaultPath, hub)

	var kafkaBrokers []string
	if *flagKafkaBrokers != "" {
		kafkaBrokers = strings.Split(*flagKafkaBrokers, ",")
	}

	server := cluster.NewStandalone(&cluster.ClusterCfg{
		Addr: *flagAddr,
		Hub:  hub,
		Mux:  mux,

		KafkaBrokers: kafkaBrokers,
		KafkaTopic:   kafkaTopic,
		KafkaGroupId: kafkaGroupId,

		MessageStore:           messageStore,
		CleanMessages:          *flagMsgTTLDays > 0,
		MessageTTLDays:         int32(*flagMsgTTLDays),
		MessagePayloadMaxBytes: messagePayloadMaxBytes,
	})
	hub.SetSaveMsgFunc(server.SaveMsg)

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Run(ctx, stopNotifyChan)

	glog.Infof("minichat demo server is starting")
	glog.Infof("`kill -USR1 %d` to dump goroutines; `CTRL+c` or `kill %d` to graceful stop", pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines()
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat demo server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat demo server exited")
	return 0
}

func newAuthClient() auth.Client {
	return &auth.MockClient{}
}

func dumpGoroutines() {
	name := fmt.Sprintf("goroutine_%s.txt", time.Now().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		glog.Errorf("dump goroutines: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("dump goroutines: %v", err)
		return
	}
	glog.Infof("goroutines dumped to %s", name)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagMaxBodyBytes == 0 || *flagMaxBodyBytes > messagePayloadMaxBytes/2 {
		return errorf("--max-body-bytes MUST in range [1, %d]", messagePayloadMaxBytes/2)
	}
	if *flagPingInterval < time.Second {
		return errorf("--ping-interval MUST be at least 1s")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
