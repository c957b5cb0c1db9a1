package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"omnimesh/codes"
	"omnimesh/config"
	"omnimesh/crypto"
	"omnimesh/mesh/seeds"
)

const defaultConfig = "./config.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "identity":
		runIdentity(os.Args[2:])
	case "code":
		runCode(os.Args[2:])
	case "seed-record":
		runSeedRecord(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: omnictl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  identity                      Show this node's peer identity")
	fmt.Fprintln(os.Stderr, "  code generate|resolve|delete|cleanup")
	fmt.Fprintln(os.Stderr, "                                Manage connection codes")
	fmt.Fprintln(os.Stderr, "  seed-record                   Sign a DNS TXT seed record")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runIdentity(args []string) {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}
	identity, err := crypto.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		fatal(fmt.Errorf("load identity: %w", err))
	}
	fmt.Printf("peer_id:    %s\n", identity.PeerID)
	fmt.Printf("public_key: %s\n", base64.StdEncoding.EncodeToString(identity.PublicKey()))
}

func runCode(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "generate":
		runCodeGenerate(args[1:])
	case "resolve":
		runCodeResolve(args[1:])
	case "delete":
		runCodeDelete(args[1:])
	case "cleanup":
		runCodeCleanup(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func openStore(configPath string) (*codes.Store, *config.Config) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}
	store, err := codes.Open(cfg.CodesDSN)
	if err != nil {
		fatal(fmt.Errorf("open code store: %w", err))
	}
	return store, cfg
}

func runCodeGenerate(args []string) {
	fs := flag.NewFlagSet("code generate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	addrs := fs.String("addrs", "", "Comma-separated host:port addresses to embed in the code")
	ttl := fs.Duration("ttl", time.Hour, "Code lifetime; 0 means no expiry")
	fs.Parse(args)

	store, cfg := openStore(*configPath)
	identity, err := crypto.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		fatal(fmt.Errorf("load identity: %w", err))
	}
	var addrList []string
	for _, addr := range strings.Split(*addrs, ",") {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrList = append(addrList, trimmed)
		}
	}
	if len(addrList) == 0 {
		fatal(fmt.Errorf("at least one address is required (-addrs)"))
	}
	code, err := store.Generate(identity.PeerID, addrList, *ttl)
	if err != nil {
		fatal(err)
	}
	fmt.Println(code.Code)
}

func runCodeResolve(args []string) {
	fs := flag.NewFlagSet("code resolve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: omnictl code resolve <code>"))
	}

	store, _ := openStore(*configPath)
	row, err := store.Resolve(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("code:    %s\n", row.Code)
	fmt.Printf("peer_id: %s\n", row.PeerID)
	for _, addr := range row.Addresses() {
		fmt.Printf("addr:    %s\n", addr)
	}
	if row.ExpiresAt != nil {
		fmt.Printf("expires: %s\n", row.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

func runCodeDelete(args []string) {
	fs := flag.NewFlagSet("code delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: omnictl code delete <code>"))
	}

	store, _ := openStore(*configPath)
	if err := store.Delete(fs.Arg(0)); err != nil {
		fatal(err)
	}
}

func runCodeCleanup(args []string) {
	fs := flag.NewFlagSet("code cleanup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the configuration file")
	fs.Parse(args)

	store, _ := openStore(*configPath)
	removed, err := store.CleanupExpired()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("removed %d expired code(s)\n", removed)
}

// runSeedRecord signs a bootstrap record for publication as a DNS TXT entry.
// The signing key belongs to the seed authority, not to any node identity, so
// it is supplied directly as a hex seed.
func runSeedRecord(args []string) {
	fs := flag.NewFlagSet("seed-record", flag.ExitOnError)
	seedHex := fs.String("authority-key", "", "Hex-encoded 32-byte Ed25519 seed of the authority key")
	domain := fs.String("domain", "", "Authority DNS domain")
	peerID := fs.String("peer", "", "Peer ID the record points at")
	addr := fs.String("addr", "", "host:port the peer listens on")
	notBefore := fs.Int64("not-before", 0, "Unix time the record becomes valid (0 = immediately)")
	notAfter := fs.Int64("not-after", 0, "Unix time the record expires (0 = never)")
	fs.Parse(args)

	raw, err := hex.DecodeString(strings.TrimSpace(*seedHex))
	if err != nil || len(raw) != ed25519.SeedSize {
		fatal(fmt.Errorf("-authority-key must be a %d-byte hex seed", ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(raw)

	record, err := seeds.EncodeRecord(priv, *domain, *peerID, *addr, *notBefore, *notAfter)
	if err != nil {
		fatal(err)
	}
	fmt.Println(record)
}
