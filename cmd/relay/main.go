package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/api/clients"
	"github.com/ruteri/medvault-enclave/cmd/flags"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	vaultURLFlag = &cli.StringFlag{
		Name:  "vault-url",
		Value: "http://127.0.0.1:8080",
		Usage: "vault server base URL",
	}
	walletKeyFlag = &cli.StringFlag{
		Name:    "wallet-key",
		EnvVars: []string{"MEDVAULT_WALLET_KEY"},
		Usage:   "hex secp256k1 key of the whitelist owner",
	}
	tokenFlag = &cli.StringFlag{
		Name:    "token",
		EnvVars: []string{"MEDVAULT_CAPABILITY"},
		Usage:   "capability token handle returned by create-whitelist",
	}
	whitelistFlag = &cli.StringFlag{
		Name:     "whitelist",
		Required: true,
		Usage:    "whitelist id (hex)",
	}
	addressFlag = &cli.StringFlag{
		Name:     "address",
		Required: true,
		Usage:    "wallet address to grant or revoke",
	}
	adminURLFlag = &cli.StringFlag{
		Name:  "admin-url",
		Value: "http://127.0.0.1:8444",
		Usage: "host-local enclave admin API",
	}
	enclaveURLFlag = &cli.StringFlag{
		Name:  "enclave-url",
		Value: "http://127.0.0.1:8443",
		Usage: "public enclave API",
	}
)

func main() {
	ownerFlags := []cli.Flag{vaultURLFlag, walletKeyFlag, tokenFlag, whitelistFlag}
	memberFlags := append([]cli.Flag{addressFlag}, ownerFlags...)

	app := &cli.App{
		Name:  "relay",
		Usage: "Operator tool for whitelists and enclave bootstrap",
		Flags: []cli.Flag{flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag, flags.LogServiceFlagFn("relay")},
		Commands: []*cli.Command{
			{
				Name:   "create-whitelist",
				Usage:  "Create a whitelist owned by the wallet and print its capability token",
				Flags:  []cli.Flag{vaultURLFlag, walletKeyFlag, &cli.StringFlag{Name: "patient-ref", Usage: "opaque patient reference"}},
				Action: runCreateWhitelist,
			},
			{
				Name:   "add-doctor",
				Flags:  memberFlags,
				Action: memberAction(func(c *clients.RegistryClient) memberOp { return c.AddDoctor }),
			},
			{
				Name:   "remove-doctor",
				Flags:  memberFlags,
				Action: memberAction(func(c *clients.RegistryClient) memberOp { return c.RemoveDoctor }),
			},
			{
				Name:   "add-member",
				Flags:  memberFlags,
				Action: memberAction(func(c *clients.RegistryClient) memberOp { return c.AddMember }),
			},
			{
				Name:   "remove-member",
				Flags:  memberFlags,
				Action: memberAction(func(c *clients.RegistryClient) memberOp { return c.RemoveMember }),
			},
			{
				Name:   "register-enclave",
				Usage:  "Fetch the enclave's attestation and register it on the whitelist",
				Flags:  append([]cli.Flag{enclaveURLFlag}, ownerFlags...),
				Action: runRegisterEnclave,
			},
			{
				Name:  "bootstrap",
				Usage: "Relay a key load between the enclave admin API and the key server committee",
				Flags: []cli.Flag{
					adminURLFlag,
					whitelistFlag,
					flags.CommitteeFlag,
					flags.KeyServerSRVFlag,
					flags.DNSServerFlag,
					flags.KeyServerSchemeFlag,
					flags.PolicyVersionFlag,
				},
				Action: runBootstrap,
			},
			{
				Name:   "status",
				Usage:  "Print the enclave bootstrap state",
				Flags:  []cli.Flag{adminURLFlag},
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type memberOp func(ctx context.Context, token string, id interfaces.WhitelistID, addr interfaces.Address) error

func registryClient(cCtx *cli.Context) (*clients.RegistryClient, error) {
	raw := strings.TrimPrefix(cCtx.String(walletKeyFlag.Name), "0x")
	if raw == "" {
		return nil, errors.New("--wallet-key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}
	return clients.NewRegistryClient(cCtx.String(vaultURLFlag.Name), key), nil
}

func whitelistArg(cCtx *cli.Context) (interfaces.WhitelistID, error) {
	return interfaces.NewWhitelistIDFromHex(cCtx.String(whitelistFlag.Name))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCreateWhitelist(cCtx *cli.Context) error {
	client, err := registryClient(cCtx)
	if err != nil {
		return err
	}
	resp, err := client.CreateWhitelist(cCtx.Context, cCtx.String("patient-ref"))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func memberAction(op func(*clients.RegistryClient) memberOp) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		client, err := registryClient(cCtx)
		if err != nil {
			return err
		}
		id, err := whitelistArg(cCtx)
		if err != nil {
			return err
		}
		addr := cCtx.String(addressFlag.Name)
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q", addr)
		}
		return op(client)(cCtx.Context, cCtx.String(tokenFlag.Name), id, common.HexToAddress(addr))
	}
}

func runRegisterEnclave(cCtx *cli.Context) error {
	client, err := registryClient(cCtx)
	if err != nil {
		return err
	}
	id, err := whitelistArg(cCtx)
	if err != nil {
		return err
	}

	report, err := clients.NewEnclaveClient(cCtx.String(enclaveURLFlag.Name)).Attestation(cCtx.Context)
	if err != nil {
		return fmt.Errorf("could not fetch attestation: %w", err)
	}
	if err := client.RegisterEnclave(cCtx.Context, cCtx.String(tokenFlag.Name), id, report); err != nil {
		return err
	}
	fmt.Println("registered enclave wallet", report.Wallet)
	return nil
}

func runBootstrap(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	id, err := whitelistArg(cCtx)
	if err != nil {
		return err
	}
	committee, err := flags.LoadCommittee(cCtx, logger)
	if err != nil {
		return err
	}
	servers, err := clients.KeyServerClientsFor(committee)
	if err != nil {
		return err
	}

	admin := clients.NewEnclaveAdminClient(cCtx.String(adminURLFlag.Name))
	resp, err := clients.RelayKeyLoad(cCtx.Context, admin, servers, id, cCtx.Uint64(flags.PolicyVersionFlag.Name), logger)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runStatus(cCtx *cli.Context) error {
	status, err := clients.NewEnclaveAdminClient(cCtx.String(adminURLFlag.Name)).Status(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(status)
}
