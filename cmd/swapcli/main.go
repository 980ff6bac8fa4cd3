// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package main provides the entrypoint of swapcli, an executable for
// interacting with a local swapd instance from the command line. It talks
// the plain REST façade of spec §6 rather than the teacher's JSON-RPC 2.0
// dispatch, but keeps the teacher's urfave/cli command layout and its
// fatih/color + skip2/go-qrcode presentation touches.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

const (
	flagSwapdAddress = "swapd-address"
	flagDirection    = "direction"
	flagTokenAmount  = "token-amount"
	flagPrivAmount   = "private-amount"
	flagQuoteID      = "quote-id"
	flagCounterparty = "counterparty-pubkey"
	flagMoneroSpend  = "counterparty-monero-spend"
	flagMoneroView   = "counterparty-monero-view"
	flagDestination  = "destination"
	flagSwapID       = "swap-id"
)

var swapdAddressFlag = &cli.StringFlag{
	Name:  flagSwapdAddress,
	Value: "http://127.0.0.1:5000",
	Usage: "base URL of the local swapd instance",
}

func cliApp() *cli.App {
	return &cli.App{
		Name:                 "swapcli",
		Usage:                "Client for swapd",
		EnableBashCompletion: true,
		Suggest:              true,
		Commands: []*cli.Command{
			{
				Name:   "quote",
				Usage:  "Request a quote for a swap direction and amount",
				Action: runQuote,
				Flags: []cli.Flag{
					swapdAddressFlag,
					&cli.StringFlag{Name: flagDirection, Required: true, Usage: "TokenToPrivate|PrivateToToken"},
					&cli.Uint64Flag{Name: flagTokenAmount, Usage: "requested USDC amount, minor units (TokenToPrivate)"},
					&cli.Uint64Flag{Name: flagPrivAmount, Usage: "requested XMR amount, piconero (PrivateToToken)"},
				},
			},
			{
				Name:   "accept",
				Usage:  "Accept a previously requested quote, starting the swap",
				Action: runAccept,
				Flags: []cli.Flag{
					swapdAddressFlag,
					&cli.StringFlag{Name: flagQuoteID, Required: true},
					&cli.StringFlag{Name: flagCounterparty, Required: true, Usage: "base58 Solana pubkey"},
					&cli.StringFlag{Name: flagMoneroSpend, Required: true, Usage: "base58-encoded Monero spend pubkey"},
					&cli.StringFlag{Name: flagMoneroView, Required: true, Usage: "base58-encoded Monero view pubkey"},
					&cli.StringFlag{Name: flagDestination, Required: true, Usage: "payout address/account for this swap"},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the current public state of a swap",
				Action: runStatus,
				Flags: []cli.Flag{
					swapdAddressFlag,
					&cli.StringFlag{Name: flagSwapID, Required: true},
				},
			},
			{
				Name:   "health",
				Usage:  "Check whether swapd is reachable and serving",
				Action: runHealth,
				Flags:  []cli.Flag{swapdAddressFlag},
			},
			{
				Name:   "metrics",
				Usage:  "Show swapd's internal gauges",
				Action: runMetrics,
				Flags:  []cli.Flag{swapdAddressFlag},
			},
			{
				Name:   "qr",
				Usage:  "Print a QR code for an arbitrary string (e.g. a destination address)",
				Action: runQR,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDestination, Required: true},
				},
			},
		},
	}
}

func main() {
	if err := cliApp().Run(os.Args); err != nil {
		color.Red("error: %s", err)
		os.Exit(1)
	}
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(ctx *cli.Context) *apiClient {
	return &apiClient{
		baseURL: ctx.String(flagSwapdAddress),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) postJSON(path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpResp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return decodeOrError(httpResp, resp)
}

func (c *apiClient) getJSON(path string, resp interface{}) error {
	httpResp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return decodeOrError(httpResp, resp)
}

func decodeOrError(httpResp *http.Response, resp interface{}) error {
	if httpResp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(httpResp.Body)
		if err := json.Unmarshal(b, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("swapd: %s", apiErr.Error)
		}
		return fmt.Errorf("swapd: unexpected status %d", httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

type quoteResponse struct {
	QuoteID    string    `json:"quoteId"`
	SecretHash string    `json:"secretHash"`
	Rate       string    `json:"rate"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func runQuote(ctx *cli.Context) error {
	c := newAPIClient(ctx)

	req := map[string]interface{}{
		"direction": ctx.String(flagDirection),
	}
	if v := ctx.Uint64(flagTokenAmount); v > 0 {
		req["tokenAmount"] = v
	}
	if v := ctx.Uint64(flagPrivAmount); v > 0 {
		req["privateAmount"] = v
	}

	var resp quoteResponse
	if err := c.postJSON("/v1/quote", req, &resp); err != nil {
		return err
	}

	color.Green("quote id:   %s", resp.QuoteID)
	fmt.Printf("secret hash: %s\n", resp.SecretHash)
	fmt.Printf("rate:        %s\n", resp.Rate)
	fmt.Printf("expires at:  %s\n", resp.ExpiresAt.Format(time.RFC3339))
	return nil
}

type acceptResponse struct {
	SwapID string `json:"swapId"`
}

func runAccept(ctx *cli.Context) error {
	c := newAPIClient(ctx)

	req := map[string]string{
		"quoteId":                 ctx.String(flagQuoteID),
		"counterpartyPubkey":      ctx.String(flagCounterparty),
		"counterpartyMoneroSpend": ctx.String(flagMoneroSpend),
		"counterpartyMoneroView":  ctx.String(flagMoneroView),
		"destination":             ctx.String(flagDestination),
	}

	var resp acceptResponse
	if err := c.postJSON("/v1/swap/accept", req, &resp); err != nil {
		return err
	}

	color.Green("swap id: %s", resp.SwapID)
	return nil
}

func runStatus(ctx *cli.Context) error {
	c := newAPIClient(ctx)

	var projection map[string]interface{}
	if err := c.getJSON("/v1/swap/"+ctx.String(flagSwapID), &projection); err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(projection, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runHealth(ctx *cli.Context) error {
	c := newAPIClient(ctx)

	var status map[string]string
	if err := c.getJSON("/health", &status); err != nil {
		return err
	}
	color.Green("swapd is %s", status["status"])
	return nil
}

func runMetrics(ctx *cli.Context) error {
	c := newAPIClient(ctx)

	var gauges map[string]int64
	if err := c.getJSON("/metrics", &gauges); err != nil {
		return err
	}
	for k, v := range gauges {
		fmt.Printf("%s: %d\n", k, v)
	}
	return nil
}

func runQR(ctx *cli.Context) error {
	code, err := qrcode.New(ctx.String(flagDestination), qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
