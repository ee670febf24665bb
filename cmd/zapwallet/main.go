package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet"
)

var session *wallet.Session

func walletConfig() (wallet.Config, string) {
	path := setWalletPath()
	config := wallet.Config{
		DataDir: path,
		Mints:   []string{"https://8333.space:3338"},
		Relays:  []string{"wss://relay.damus.io", "wss://nos.lol"},
	}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		godotenv.Load(envPath)
	}

	if mints := os.Getenv("MINT_URLS"); mints != "" {
		config.Mints = strings.Split(mints, ",")
	}
	if relayUrls := os.Getenv("NOSTR_RELAYS"); relayUrls != "" {
		config.Relays = strings.Split(relayUrls, ",")
	}

	return config, os.Getenv("NOSTR_PRIVATE_KEY")
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".zapwallet")
	if err = os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config, privateKey := walletConfig()
	if privateKey == "" {
		printErr(errors.New("NOSTR_PRIVATE_KEY is not set"))
	}

	signer, err := relays.NewKeySigner(privateKey)
	if err != nil {
		printErr(err)
	}

	session, err = wallet.NewSession(config, signer, nil)
	if err != nil {
		printErr(err)
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if session != nil {
		return session.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "zapwallet",
		Usage: "nostr-native cashu wallet",
		Commands: []*cli.Command{
			balanceCmd,
			receiveCmd,
			payCmd,
			reconcileCmd,
			nutzapCmd,
			redeemCmd,
			historyCmd,
			infoCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	After:  closeWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	for _, mint := range session.Mints() {
		fmt.Printf("%v: %v sats\n", mint, session.MintBalance(mint))
	}
	fmt.Printf("total: %v sats\n", session.Balance())
	return nil
}

const mintFlag = "mint"

var receiveCmd = &cli.Command{
	Name:   "receive",
	Usage:  "Create a lightning invoice and mint ecash once it is paid",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to receive on (defaults to the first configured mint)",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to receive"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	rcv, err := session.Receive(ctx.Context, ctx.String(mintFlag), amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", rcv.Invoice())
	fmt.Println("waiting for payment...")

	if err := <-rcv.Done(); err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats received\n", amount)
	return nil
}

var payCmd = &cli.Command{
	Name:   "pay",
	Usage:  "Pay a lightning invoice with ecash",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to pay from (defaults to the first configured mint)",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	quote, err := session.Pay(ctx.Context, ctx.String(mintFlag), args.First())
	if err != nil {
		if errors.Is(err, wallet.ErrMeltOutcomeUnknown) && quote != nil {
			fmt.Printf("payment outcome unknown, run: zapwallet reconcile %v\n", quote.QuoteId)
			return nil
		}
		printErr(err)
	}

	fmt.Printf("invoice paid, preimage: %v\n", quote.Preimage)
	return nil
}

var reconcileCmd = &cli.Command{
	Name:   "reconcile",
	Usage:  "Resolve a payment whose outcome was left unknown",
	Before: setupWallet,
	After:  closeWallet,
	Action: reconcile,
}

func reconcile(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the quote id to reconcile"))
	}

	if err := session.ReconcileMelt(ctx.Context, args.First()); err != nil {
		printErr(err)
	}
	fmt.Println("payment reconciled")
	return nil
}

const (
	commentFlag = "comment"
	eventFlag   = "event"
)

var nutzapCmd = &cli.Command{
	Name:   "nutzap",
	Usage:  "Send ecash to a nostr pubkey",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  commentFlag,
			Usage: "Comment to include with the zap",
		},
		&cli.StringFlag{
			Name:  eventFlag,
			Usage: "Id of the event being zapped",
		},
	},
	Action: nutzap,
}

func nutzap(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 2 {
		printErr(errors.New("usage: zapwallet nutzap <npub or hex pubkey> <amount>"))
	}
	amount, err := strconv.ParseUint(args.Get(1), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	eventId, err := session.SendNutzap(ctx.Context, args.First(), amount,
		ctx.String(commentFlag), ctx.String(eventFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("nutzap sent: %v\n", eventId)
	return nil
}

var redeemCmd = &cli.Command{
	Name:   "redeem",
	Usage:  "List received nutzaps or redeem one by id",
	Before: setupWallet,
	After:  closeWallet,
	Action: redeem,
}

func redeem(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		for _, zap := range session.Nutzaps() {
			status := "unredeemed"
			if zap.Redeemed {
				status = "redeemed"
			}
			fmt.Printf("%v  %v sats from %v (%v)\n", zap.Id, zap.Amount, zap.SenderPubkey, status)
		}
		return nil
	}

	if err := session.RedeemNutzap(ctx.Context, args.First()); err != nil {
		printErr(err)
	}
	fmt.Println("nutzap redeemed")
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Before: setupWallet,
	After:  closeWallet,
	Action: history,
}

func history(ctx *cli.Context) error {
	for _, entry := range session.History() {
		sign := "+"
		if entry.Direction == "out" {
			sign = "-"
		}
		when := time.Unix(entry.Timestamp, 0).Format("2006-01-02 15:04")
		if entry.Pending {
			fmt.Printf("%v  %v%v sats (%v)\n", when, sign, entry.Amount, entry.Status)
			continue
		}
		fmt.Printf("%v  %v%v sats\n", when, sign, entry.Amount)
	}
	return nil
}

var infoCmd = &cli.Command{
	Name:   "info",
	Usage:  "Publish this wallet's nutzap info so others can zap it",
	Before: setupWallet,
	After:  closeWallet,
	Action: info,
}

func info(ctx *cli.Context) error {
	if err := session.PublishNutzapInfo(ctx.Context); err != nil {
		printErr(err)
	}
	fmt.Printf("pubkey: %v\n", session.Pubkey())
	fmt.Println("nutzap info published")
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
