package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ruteri/contract-host/api/clients"
	"github.com/ruteri/contract-host/cmd/flags"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/urfave/cli/v2"
)

var flagContract = &cli.StringFlag{
	Name:     "contract",
	Required: true,
	Usage:    "contract hash, 64-char hex string",
}

func main() {
	app := &cli.App{
		Name:      "hostctl",
		Usage:     "Manage contracts, tokens and balances on a contract host",
		Flags:     []cli.Flag{flags.HostURLFlag, flags.InsecureFlag},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "upload contract code and print its hash",
				ArgsUsage: "<file>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("expected exactly one contract file")
					}
					code, err := os.ReadFile(cCtx.Args().First())
					if err != nil {
						return err
					}

					hash, err := newClient(cCtx).UploadContract(cCtx.Context, code)
					if err != nil {
						return err
					}
					fmt.Println(hash.String())
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "issue a token for an uploaded contract",
				Flags: []cli.Flag{flagContract},
				Action: func(cCtx *cli.Context) error {
					hash, err := interfaces.NewContractHashFromHex(cCtx.String(flagContract.Name))
					if err != nil {
						return fmt.Errorf("invalid contract hash: %w", err)
					}

					token, err := newClient(cCtx).IssueToken(cCtx.Context, hash)
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:      "credit",
				Usage:     "credit a token's balance",
				ArgsUsage: "<token> <amount>",
				Action: func(cCtx *cli.Context) error {
					token, amount, err := tokenAndAmount(cCtx)
					if err != nil {
						return err
					}
					resp, err := newClient(cCtx).Credit(cCtx.Context, token, amount)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "debit",
				Usage:     "debit a token's balance",
				ArgsUsage: "<token> <amount>",
				Action: func(cCtx *cli.Context) error {
					token, amount, err := tokenAndAmount(cCtx)
					if err != nil {
						return err
					}
					resp, err := newClient(cCtx).Debit(cCtx.Context, token, amount)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "balance",
				Usage:     "print a token's balance, or its credits and debits with --history",
				ArgsUsage: "<token>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "history", Usage: "list credits and debits"},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("expected a token")
					}
					token := cCtx.Args().First()
					client := newClient(cCtx)

					if !cCtx.Bool("history") {
						balance, err := client.Balance(cCtx.Context, token)
						if err != nil {
							return err
						}
						fmt.Println(balance)
						return nil
					}

					credits, err := client.Credits(cCtx.Context, token)
					if err != nil {
						return err
					}
					debits, err := client.Debits(cCtx.Context, token)
					if err != nil {
						return err
					}
					return printJSON(map[string][]interfaces.Transaction{
						"credits": credits,
						"debits":  debits,
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) *clients.HostClient {
	var tlsConfig *tls.Config
	if cCtx.Bool(flags.InsecureFlag.Name) {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clients.NewHostClient(cCtx.String(flags.HostURLFlag.Name), tlsConfig)
}

func tokenAndAmount(cCtx *cli.Context) (string, int64, error) {
	if cCtx.NArg() != 2 {
		return "", 0, errors.New("expected a token and an amount")
	}
	amount, err := strconv.ParseInt(cCtx.Args().Get(1), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid amount: %w", err)
	}
	return cCtx.Args().First(), amount, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
