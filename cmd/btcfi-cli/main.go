// Command btcfi-cli is a thin client for the btcfid gateway.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"btcfi/cmd/internal/passphrase"
	"btcfi/crypto"
)

type command struct {
	usage string
	run   func(c *client, args []string, stdout io.Writer) error
}

var errUsage = errors.New("usage")

const passphraseEnv = "BTCFI_KEYSTORE_PASSPHRASE"

func loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

var commands = map[string]command{
	"status":    {"status", runStatus},
	"balance":   {"balance <address>", runBalance},
	"price":     {"price [asset]", runPrice},
	"refresh":   {"refresh", runRefresh},
	"stake":     {"stake <btc> [tier]", runStake},
	"unstake":   {"unstake <position>", runUnstake},
	"claim":     {"claim <position>", runClaim},
	"position":  {"position <position>", runPosition},
	"supply":    {"supply <asset> <usd>", runSupply},
	"withdraw":  {"withdraw <asset> <usd>", runWithdraw},
	"borrow":    {"borrow <asset> <usd> <stbtc>", runBorrow},
	"repay":     {"repay <loan> <usd>", runRepay},
	"loan":      {"loan <loan>", runLoan},
	"liquidate": {"liquidate <lending|credit> <id> <usd>", runLiquidate},
	"card":      {"card <issue <btc> <limit> | show <id> | buy <id> <merchant> <usd> | pay <id> <usd>>", runCard},
	"events":    {"events [after] [limit]", runEvents},
	"keygen":    {"keygen <keystore-path>", runKeygen},
	"address":   {"address <keystore-path>", runAddress},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	c := newClient()
	fs := flag.NewFlagSet("btcfi-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.baseURL, "url", c.baseURL, "gateway base URL (BTCFI_URL)")
	fs.StringVar(&c.account, "as", c.account, "account sent in X-Account when auth is disabled (BTCFI_ACCOUNT)")
	fs.StringVar(&c.token, "token", c.token, "bearer token (BTCFI_TOKEN)")
	keystore := fs.String("keystore", "", "act as the account held in this keystore")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	if *keystore != "" {
		key, err := loadKey(*keystore)
		if err != nil {
			fmt.Fprintf(stderr, "Error: keystore: %v\n", err)
			return 1
		}
		c.account = key.PubKey().Address().String()
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		printUsage(stderr)
		return 2
	}
	if err := cmd.run(c, rest[1:], stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Usage: btcfi-cli %s\n", cmd.usage)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: btcfi-cli [-url URL] [-as ADDRESS | -token JWT | -keystore FILE] <command> [args]")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// show issues a GET and prints the response.
func show(c *client, path string, stdout io.Writer) error {
	var out interface{}
	if err := c.get(path, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

// submit issues a POST and prints the response.
func submit(c *client, path string, body interface{}, stdout io.Writer) error {
	var out interface{}
	if err := c.post(path, body, &out); err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func want(args []string, n int) error {
	if len(args) != n {
		return errUsage
	}
	return nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func runStatus(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 0); err != nil {
		return err
	}
	return show(c, "/v1/status", stdout)
}

func runBalance(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 1); err != nil {
		return err
	}
	return show(c, "/v1/accounts/"+args[0]+"/balances", stdout)
}

func runPrice(c *client, args []string, stdout io.Writer) error {
	switch len(args) {
	case 0:
		return show(c, "/v1/oracle/prices", stdout)
	case 1:
		return show(c, "/v1/oracle/prices/"+strings.ToUpper(args[0]), stdout)
	default:
		return errUsage
	}
}

func runRefresh(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 0); err != nil {
		return err
	}
	return submit(c, "/v1/oracle/refresh", nil, stdout)
}

func runStake(c *client, args []string, stdout io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	tier := uint64(0)
	if len(args) == 2 {
		var err error
		if tier, err = strconv.ParseUint(args[1], 10, 8); err != nil {
			return fmt.Errorf("invalid tier %q", args[1])
		}
	}
	return submit(c, "/v1/vault/stake", map[string]interface{}{"amount": args[0], "tier": tier}, stdout)
}

func positionAction(action string) func(*client, []string, io.Writer) error {
	return func(c *client, args []string, stdout io.Writer) error {
		if err := want(args, 1); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return submit(c, fmt.Sprintf("/v1/vault/positions/%d/%s", id, action), nil, stdout)
	}
}

var (
	runUnstake = positionAction("unstake")
	runClaim   = positionAction("claim")
)

func runPosition(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 1); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return show(c, fmt.Sprintf("/v1/vault/positions/%d", id), stdout)
}

func supplyAction(path string) func(*client, []string, io.Writer) error {
	return func(c *client, args []string, stdout io.Writer) error {
		if err := want(args, 2); err != nil {
			return err
		}
		return submit(c, path, map[string]string{"asset": strings.ToUpper(args[0]), "amount": args[1]}, stdout)
	}
}

var (
	runSupply   = supplyAction("/v1/lending/supply")
	runWithdraw = supplyAction("/v1/lending/withdraw")
)

func runBorrow(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 3); err != nil {
		return err
	}
	return submit(c, "/v1/lending/borrow", map[string]string{
		"asset":      strings.ToUpper(args[0]),
		"amount":     args[1],
		"collateral": args[2],
	}, stdout)
}

func runRepay(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 2); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return submit(c, fmt.Sprintf("/v1/lending/loans/%d/repay", id), map[string]string{"amount": args[1]}, stdout)
}

func runLoan(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 1); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return show(c, fmt.Sprintf("/v1/lending/loans/%d", id), stdout)
}

func runLiquidate(c *client, args []string, stdout io.Writer) error {
	if err := want(args, 3); err != nil {
		return err
	}
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	var path string
	switch args[0] {
	case "lending":
		path = fmt.Sprintf("/v1/lending/loans/%d/liquidate", id)
	case "credit":
		path = fmt.Sprintf("/v1/credit/cards/%d/liquidate", id)
	default:
		return fmt.Errorf("book must be lending or credit, got %q", args[0])
	}
	return submit(c, path, map[string]string{"amount": args[2]}, stdout)
}

func runCard(c *client, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	sub, args := args[0], args[1:]
	if sub == "issue" {
		if err := want(args, 2); err != nil {
			return err
		}
		return submit(c, "/v1/credit/cards", map[string]string{"collateral": args[0], "limit": args[1]}, stdout)
	}
	if len(args) == 0 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	base := fmt.Sprintf("/v1/credit/cards/%d", id)
	switch sub {
	case "show":
		return show(c, base, stdout)
	case "buy":
		if err := want(args, 3); err != nil {
			return err
		}
		return submit(c, base+"/purchase", map[string]string{"merchant": args[1], "amount": args[2]}, stdout)
	case "pay":
		if err := want(args, 2); err != nil {
			return err
		}
		return submit(c, base+"/payment", map[string]string{"amount": args[1]}, stdout)
	default:
		return errUsage
	}
}

func runEvents(c *client, args []string, stdout io.Writer) error {
	if len(args) > 2 {
		return errUsage
	}
	after, limit := "0", "50"
	if len(args) > 0 {
		after = args[0]
	}
	if len(args) > 1 {
		limit = args[1]
	}
	return show(c, "/v1/events?after="+after+"&limit="+limit, stdout)
}

func runKeygen(_ *client, args []string, stdout io.Writer) error {
	if err := want(args, 1); err != nil {
		return err
	}
	if _, err := os.Stat(args[0]); err == nil {
		return fmt.Errorf("%s already exists", args[0])
	}
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(args[0], key, pass); err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

func runAddress(_ *client, args []string, stdout io.Writer) error {
	if err := want(args, 1); err != nil {
		return err
	}
	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}
