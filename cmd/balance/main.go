package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"floor-oracle/internal/chain"
	"floor-oracle/internal/config"
	"floor-oracle/internal/ethutil"
	"floor-oracle/internal/fixedpoint"
	"floor-oracle/internal/retry"
)

func main() {
	log.SetFlags(0)

	if err := config.LoadDotenv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	var addrFlag, configPath string
	flag.StringVar(&addrFlag, "address", "", "Wallet address to check (default: signer from TRADER_PK/ORACLE_PK)")
	flag.StringVar(&configPath, "config", "", "Optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	owner, ownerSrc, err := resolveOwnerAddress(addrFlag, cfg)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, _, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer client.Close()
	reader := chain.NewReader(client, retry.ReadPolicy, retry.NoDelay())

	native, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		log.Fatalf("[fatal] native balance: %v", err)
	}
	assets, err := cfg.PriceAssets()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	router := common.HexToAddress(cfg.Router)

	fmt.Printf("owner: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("native_balance: %s\n", fixedpoint.ToDecimal(native, fixedpoint.Decimals))
	for _, a := range assets {
		dec := int32(fixedpoint.Decimals)
		if d, err := reader.Decimals(ctx, a.Token); err == nil {
			dec = int32(d)
		}
		bal, err := reader.BalanceOf(ctx, a.Token, owner)
		if err != nil {
			log.Printf("[warn] %s balance: %v", a.Name, err)
			continue
		}
		allowance, err := reader.Allowance(ctx, a.Token, owner, router)
		if err != nil {
			log.Printf("[warn] %s allowance: %v", a.Name, err)
			continue
		}
		fmt.Printf("%s: balance=%s router_allowance=%s (token=%s)\n",
			strings.ToLower(a.Name),
			fixedpoint.ToDecimal(bal, dec),
			fixedpoint.ToDecimal(allowance, dec),
			ethutil.Lower(a.Token),
		)
	}
}

func resolveOwnerAddress(addrFlag string, cfg *config.Config) (common.Address, string, error) {
	if strings.TrimSpace(addrFlag) != "" {
		addr, err := ethutil.ParseAddress(addrFlag)
		if err != nil {
			return common.Address{}, "", fmt.Errorf("invalid --address: %w", err)
		}
		return addr, "--address", nil
	}
	if cfg.TraderKey != "" {
		pk, err := config.ParseKey(cfg.TraderKey)
		if err != nil {
			return common.Address{}, "", fmt.Errorf("invalid TRADER_PK: %w", err)
		}
		return crypto.PubkeyToAddress(pk.PublicKey), "TRADER_PK", nil
	}
	return common.Address{}, "", fmt.Errorf("wallet required: set TRADER_PK/ORACLE_PK or pass --address")
}
