package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"pgcore"
	"pgcore/config"
	"pgcore/protocol"
	"pgcore/version"
)

func main() {
	connString := flag.String("conn", "", "libpq-style connection string, e.g. \"host=localhost user=postgres database=postgres\"")
	query := flag.String("query", "SELECT 1", "SQL to run via the simple query protocol")
	timeout := flag.Duration("timeout", 10*time.Second, "connect timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.ParseConnString(*connString)
	if err != nil {
		log.Fatalf("parse connection string: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := pgcore.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	queryDone := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("received %v, cancelling in-flight query...", sig)
			cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelCancel()
			if err := conn.CancelRequest(cancelCtx); err != nil {
				log.Printf("cancel request: %v", err)
			}
		case <-queryDone:
		}
	}()

	if err := runQuery(conn, *query); err != nil {
		close(queryDone)
		log.Fatalf("query: %v", err)
	}
	close(queryDone)
}

func runQuery(conn *pgcore.Connector, sql string) error {
	conn.AddMessage(protocol.QueryMessage{SQL: sql})
	if err := conn.SendAll(); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var columns []string
	for {
		msg, err := conn.ReadSingle(protocol.NonSequential)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.RowDescription:
			columns = make([]string, len(m.Fields))
			for i, f := range m.Fields {
				columns[i] = f.Name
			}
			fmt.Println(strings.Join(columns, "\t"))
		case *protocol.DataRow:
			values := make([]string, len(m.Values))
			for i, v := range m.Values {
				if v == nil {
					values[i] = "NULL"
				} else {
					values[i] = string(v)
				}
			}
			fmt.Println(strings.Join(values, "\t"))
		case *protocol.CommandComplete:
			fmt.Println(m.Tag)
		case *protocol.EmptyQueryResponse:
			fmt.Println("(empty query)")
		case *protocol.ReadyForQuery:
			return nil
		}
	}
}
