// Command client is a CLI for the perpetual-futures matching engine's HTTP
// ingress: submit/cancel orders, deposit/withdraw balance, feed oracle
// prices, inspect the book, and run an end-to-end demo.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server URL")

	submitCmd := flag.NewFlagSet("submit", flag.ExitOnError)
	submitSymbol := submitCmd.String("symbol", "BTC-PERP", "market symbol")
	submitSide := submitCmd.String("side", "buy", "order side (buy/sell)")
	submitType := submitCmd.String("type", "limit", "order type (market/limit)")
	submitTIF := submitCmd.String("tif", "gtc", "time in force (gtc/ioc/fok)")
	submitPrice := submitCmd.String("price", "60000.00", "order price")
	submitQty := submitCmd.String("qty", "0.1", "order quantity")
	submitUser := submitCmd.String("user", "", "user id (uuid)")
	submitReduceOnly := submitCmd.Bool("reduce-only", false, "reduce-only order")

	cancelCmd := flag.NewFlagSet("cancel", flag.ExitOnError)
	cancelSymbol := cancelCmd.String("symbol", "", "market symbol")
	cancelOrderID := cancelCmd.String("order-id", "", "order id (uuid) to cancel")
	cancelUser := cancelCmd.String("user", "", "user id (uuid)")

	balanceCmd := flag.NewFlagSet("balance", flag.ExitOnError)
	balanceSymbol := balanceCmd.String("symbol", "", "market symbol")
	balanceUser := balanceCmd.String("user", "", "user id (uuid)")
	balanceAmount := balanceCmd.String("amount", "0", "amount (positive=deposit, negative=withdraw)")

	priceCmd := flag.NewFlagSet("price", flag.ExitOnError)
	priceSymbol := priceCmd.String("symbol", "", "market symbol")
	priceValue := priceCmd.Float64("value", 0, "source price")

	bookCmd := flag.NewFlagSet("book", flag.ExitOnError)
	bookSymbol := bookCmd.String("symbol", "BTC-PERP", "market symbol")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "submit":
		submitCmd.Parse(os.Args[2:])
		submitOrder(*serverURL, *submitSymbol, *submitUser, *submitSide, *submitType, *submitTIF, *submitPrice, *submitQty, *submitReduceOnly)
	case "cancel":
		cancelCmd.Parse(os.Args[2:])
		cancelOrder(*serverURL, *cancelSymbol, *cancelUser, *cancelOrderID)
	case "balance":
		balanceCmd.Parse(os.Args[2:])
		updateBalance(*serverURL, *balanceSymbol, *balanceUser, *balanceAmount)
	case "price":
		priceCmd.Parse(os.Args[2:])
		ingestPrice(*serverURL, *priceSymbol, *priceValue)
	case "book":
		bookCmd.Parse(os.Args[2:])
		getBook(*serverURL, *bookSymbol)
	case "health":
		flag.CommandLine.Parse(os.Args[2:])
		getHealth(*serverURL)
	case "demo":
		flag.CommandLine.Parse(os.Args[2:])
		runDemo(*serverURL)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Perpetual Futures Engine Client

Usage:
  client <command> [options]

Commands:
  submit    Submit a new order
  cancel    Cancel an existing order
  balance   Deposit or withdraw account balance
  price     Feed a single-source price tick (for testing)
  book      View the order book for a market
  health    Check engine health / kill-switch status
  demo      Run an end-to-end demonstration

Examples:
  client submit -symbol BTC-PERP -side buy -type limit -price 60000 -qty 0.1 -user <uuid>
  client cancel -symbol BTC-PERP -order-id <uuid> -user <uuid>
  client balance -symbol BTC-PERP -user <uuid> -amount 10000
  client book -symbol BTC-PERP
  client health
  client demo`)
}

func submitOrder(serverURL, symbol, user, side, orderType, tif, price, qty string, reduceOnly bool) {
	req := map[string]interface{}{
		"symbol":        symbol,
		"user_id":       user,
		"side":          side,
		"type":          orderType,
		"time_in_force": tif,
		"price":         price,
		"quantity":      qty,
		"reduce_only":   reduceOnly,
	}
	resp, err := postJSON(serverURL+"/orders", req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Order Response:")
	printJSON(resp)
}

func cancelOrder(serverURL, symbol, user, orderID string) {
	req := map[string]interface{}{
		"symbol":   symbol,
		"user_id":  user,
		"order_id": orderID,
	}
	resp, err := postJSON(serverURL+"/orders/cancel", req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Cancel Response:")
	printJSON(resp)
}

func updateBalance(serverURL, symbol, user, amount string) {
	req := map[string]interface{}{
		"symbol":  symbol,
		"user_id": user,
		"amount":  amount,
	}
	resp, err := postJSON(serverURL+"/accounts/balance", req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Balance Response:")
	printJSON(resp)
}

func ingestPrice(serverURL, symbol string, value float64) {
	req := map[string]interface{}{
		"symbol": symbol,
		"sources": []map[string]interface{}{
			{"source_id": "cli", "price": value, "weight": 1.0, "volume": 1.0},
		},
	}
	resp, err := postJSON(serverURL+"/prices/ingest", req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Price Ingest Response:")
	printJSON(resp)
}

func getBook(serverURL, symbol string) {
	url := fmt.Sprintf("%s/book?symbol=%s", serverURL, symbol)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var data map[string]interface{}
	json.Unmarshal(body, &data)

	fmt.Printf("\n=== %s Order Book ===\n\n", symbol)
	if asks, ok := data["asks"].([]interface{}); ok {
		fmt.Println("ASKS:")
		for i := len(asks) - 1; i >= 0; i-- {
			if ask, ok := asks[i].(map[string]interface{}); ok {
				fmt.Printf("  %v @ %v\n", ask["quantity"], ask["price"])
			}
		}
	}
	if bids, ok := data["bids"].([]interface{}); ok {
		fmt.Println("BIDS:")
		for _, bid := range bids {
			if b, ok := bid.(map[string]interface{}); ok {
				fmt.Printf("  %v @ %v\n", b["quantity"], b["price"])
			}
		}
	}
}

func getHealth(serverURL string) {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	printJSONBytes(body)
}

func runDemo(serverURL string) {
	fmt.Println("=== Perpetual Futures Engine Demo ===")
	mm := "00000000-0000-0000-0000-0000000000aa"
	trader := "00000000-0000-0000-0000-0000000000bb"

	fmt.Println("1. Fund market maker and trader accounts:")
	updateBalance(serverURL, "BTC-PERP", mm, "1000000")
	updateBalance(serverURL, "BTC-PERP", trader, "100000")

	fmt.Println("\n2. Seed an index/mark price:")
	ingestPrice(serverURL, "BTC-PERP", 60000)

	fmt.Println("\n3. Market maker posts resting liquidity:")
	submitOrder(serverURL, "BTC-PERP", mm, "buy", "limit", "gtc", "59900", "1.0", false)
	submitOrder(serverURL, "BTC-PERP", mm, "sell", "limit", "gtc", "60100", "1.0", false)

	fmt.Println("\n4. Order book with liquidity:")
	getBook(serverURL, "BTC-PERP")

	fmt.Println("\n5. Trader buys 0.5 BTC-PERP at market:")
	submitOrder(serverURL, "BTC-PERP", trader, "buy", "market", "ioc", "0", "0.5", false)

	fmt.Println("\n6. Order book after trade:")
	getBook(serverURL, "BTC-PERP")

	fmt.Println("\n7. Engine health:")
	getHealth(serverURL)

	fmt.Println("\n=== Demo Complete ===")
}

func postJSON(url string, data interface{}) (map[string]interface{}, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	err = json.Unmarshal(body, &result)
	return result, err
}

func printJSON(data interface{}) {
	jsonBytes, _ := json.MarshalIndent(data, "", "  ")
	fmt.Println(string(jsonBytes))
}

func printJSONBytes(data []byte) {
	var obj interface{}
	json.Unmarshal(data, &obj)
	printJSON(obj)
}
