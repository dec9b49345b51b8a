package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"matchbook/internal/common"
	mnet "matchbook/internal/net"

	"github.com/google/uuid"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	owner := flag.String("owner", "", "Owner username (compulsory)")
	action := flag.String("action", "place", "Action to perform: ['place', 'query', 'deposit', 'heartbeat']")

	// Order Parameters
	id := flag.Uint64("id", uint64(uuid.New().ID()), "Order id of the first order, following orders count up from it")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	price := flag.Int64("price", 100, "Limit price in ticks")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Deposit Parameters
	amount := flag.Int64("amount", 0, "Amount to deposit")

	wait := flag.Duration("wait", 0, "How long to listen for reports, 0 waits until interrupted")

	flag.Parse()

	// Validation
	if *owner == "" && *action != "query" && *action != "heartbeat" {
		fmt.Println("Error: -owner is compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	// Start Listening for Reports (Async)
	go readReports(conn)

	// Execute Action
	switch strings.ToLower(*action) {
	case "place":
		side, err := common.ParseSide(*sideStr)
		if err != nil {
			log.Fatalf("Invalid side: %v", err)
		}
		for i, q := range parseQuantities(*qtyStr) {
			order := common.Order{
				ID:       common.OrderID(*id + uint64(i)),
				Side:     side,
				Price:    common.Price(*price),
				Quantity: common.Quantity(q),
			}
			if err := send(conn, func() ([]byte, error) { return mnet.EncodeNewOrder(order, *owner) }); err != nil {
				log.Printf("Failed to place order (Qty: %d): %v", q, err)
			} else {
				fmt.Printf("-> Sent %s\n", order)
			}
		}

	case "query":
		if err := send(conn, func() ([]byte, error) { return mnet.EncodeEmpty(mnet.QueryBook), nil }); err != nil {
			log.Printf("Failed to send query: %v", err)
		} else {
			fmt.Println("-> Sent Book Query")
		}

	case "deposit":
		if err := send(conn, func() ([]byte, error) { return mnet.EncodeDeposit(*amount, *owner) }); err != nil {
			log.Printf("Failed to send deposit: %v", err)
		} else {
			fmt.Printf("-> Sent Deposit of %d\n", *amount)
		}

	case "heartbeat":
		if err := send(conn, func() ([]byte, error) { return mnet.EncodeEmpty(mnet.Heartbeat), nil }); err != nil {
			log.Printf("Failed to send heartbeat: %v", err)
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	// Keep the client alive to receive execution reports
	if *wait > 0 {
		time.Sleep(*wait)
		return
	}
	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	select {}
}

// parseQuantities splits a comma-separated string into a slice of quantities
func parseQuantities(input string) []int64 {
	parts := strings.Split(input, ",")
	var result []int64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseInt(p, 10, 64); err == nil {
			result = append(result, val)
		} else {
			log.Printf("Warning: Invalid quantity '%s', skipping.", p)
		}
	}
	return result
}

func send(conn net.Conn, encode func() ([]byte, error)) error {
	buf, err := encode()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// readReports continuously reads and prints reports from the server
func readReports(conn net.Conn) {
	reports := mnet.NewReportReader(conn)
	for {
		report, err := reports.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Connection lost: %v", err)
			}
			os.Exit(0)
		}

		switch report.MessageType {
		case mnet.ErrorReport:
			fmt.Printf("\n[SERVER ERROR] order %d: %s\n", report.OrderID, report.Err)
		case mnet.ExecutionReport:
			fmt.Printf("\n[EXECUTION] %s order %d | Qty: %d | Price: %d | vs: %s order %d\n",
				report.Side, report.OrderID, report.Quantity, report.Price, report.Counterparty, report.CounterOrderID)
		case mnet.AckReport:
			fmt.Printf("\n[ACK] %s order %d | Resting: %d @ %d\n",
				report.Side, report.OrderID, report.Quantity, report.Price)
		case mnet.QuoteReport:
			if report.Quantity == 0 {
				fmt.Printf("\n[QUOTE] %s: empty\n", report.Side)
			} else {
				fmt.Printf("\n[QUOTE] %s: %d @ %d\n", report.Side, report.Quantity, report.Price)
			}
		case mnet.BalanceReport:
			fmt.Printf("\n[BALANCE] %s: %d\n", report.Counterparty, report.Quantity)
		case mnet.HeartbeatReport:
			fmt.Println("\n[HEARTBEAT]")
		}
	}
}
