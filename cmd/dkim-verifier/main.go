// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-msgauth/authres"
	"github.com/miekg/dns"
	"github.com/urfave/cli/v2"

	dkimverifier "github.com/lieser/dkimverifier"
	"github.com/lieser/dkimverifier/internal/aggregator"
	"github.com/lieser/dkimverifier/internal/arh"
	"github.com/lieser/dkimverifier/internal/dnsresolver"
	"github.com/lieser/dkimverifier/internal/keystore"
	log "github.com/lieser/dkimverifier/internal/logging"
	"github.com/lieser/dkimverifier/internal/signrules"
)

func main() {
	app := cli.NewApp()
	app.Name = "dkim-verifier"
	app.Usage = "verify DKIM signatures on an email message"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "message",
			Usage: "path to the message to verify, '-' or omitted for stdin",
			Value: "-",
		},
		&cli.StringFlag{
			Name:  "key-store",
			Usage: "SQLite DSN for the persistent key store",
			Value: "file:dkim-verifier-keys.sqlite",
		},
		&cli.StringFlag{
			Name:  "key-mode",
			Usage: "off, cache or compare-and-alert",
			Value: "cache",
		},
		&cli.StringFlag{
			Name:  "verdicts",
			Usage: "SQLite DSN for the verdict history, empty to disable",
			Value: "file:dkim-verifier-verdicts.sqlite",
		},
		&cli.StringFlag{
			Name:  "sign-rules",
			Usage: "path to the sign-rules directive file, empty to disable",
		},
		&cli.StringFlag{
			Name:  "resolver",
			Usage: "validating DNSSEC-aware resolver address, empty to use the system resolver",
		},
		&cli.BoolFlag{
			Name:  "arh",
			Usage: "print the generated Authentication-Results header instead of a summary",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging to stderr",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "reject RSA keys shorter than 1024 bits instead of only warning below 2048",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.Logger{Out: log.WriterOutput(os.Stderr, c.Bool("debug")), Name: "dkim-verifier", Debug: c.Bool("debug")}

	raw, err := readMessage(c.String("message"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("reading message: %v", err), 1)
	}

	resolver, err := buildResolver(c.String("resolver"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("building resolver: %v", err), 1)
	}

	mode, err := parseKeyMode(c.String("key-mode"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	keys, err := keystore.Open(c.String("key-store"), resolver, mode, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("opening key store: %v", err), 1)
	}
	defer keys.Close()

	var verdicts *aggregator.Store
	if dsn := c.String("verdicts"); dsn != "" {
		verdicts, err = aggregator.Open(dsn)
		if err != nil {
			return cli.Exit(fmt.Sprintf("opening verdict store: %v", err), 1)
		}
		defer verdicts.Close()
	}

	rules := signrules.NewStore()
	if path := c.String("sign-rules"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("opening sign rules: %v", err), 1)
		}
		rules, err = signrules.Load(f, path)
		f.Close()
		if err != nil {
			return cli.Exit(fmt.Sprintf("loading sign rules: %v", err), 1)
		}
	}

	trust := &arh.TrustList{}

	core := dkimverifier.New(logger, keys, verdicts, rules, trust, resolver)
	core.Verifier.Opts.StrictMode = c.Bool("strict")

	mv, err := core.Verify(context.Background(), raw)
	if err != nil {
		return cli.Exit(fmt.Sprintf("verifying message: %v", err), 1)
	}

	if c.Bool("arh") {
		var results []authres.Result
		if mv.DKIMResult != nil {
			results = []authres.Result{mv.DKIMResult}
		}
		fmt.Println(arh.Format(authServID(), results))
		return nil
	}

	printSummary(mv)
	return nil
}

func readMessage(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func buildResolver(addr string) (dnsresolver.Resolver, error) {
	if addr != "" {
		return dnsresolver.NewValidatingResolver(addr), nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	return dnsresolver.NewPlainResolver(cfg), nil
}

func parseKeyMode(s string) (keystore.Mode, error) {
	switch s {
	case "off":
		return keystore.ModeOff, nil
	case "cache":
		return keystore.ModeCache, nil
	case "compare-and-alert":
		return keystore.ModeCompareAndAlert, nil
	default:
		return "", fmt.Errorf("unknown key-mode %q", s)
	}
}

func authServID() string {
	host, err := os.Hostname()
	if err != nil {
		return "dkim-verifier"
	}
	return host
}

func printSummary(mv *aggregator.MessageVerdict) {
	fmt.Printf("From: %s\n", mv.From)
	fmt.Printf("Signatures checked: %d\n", mv.SignatureCount)
	fmt.Printf("Result: %s\n", mv.BestOutcome)
	if mv.BestDomain != "" {
		fmt.Printf("Signing domain: %s\n", mv.BestDomain)
	}
	if mv.SignRuleVerdict != "" {
		fmt.Printf("Sign-rule verdict: %s\n", mv.SignRuleVerdict)
	}
	if mv.ShouldHaveBeenSignedButWasnt {
		fmt.Println("Warning: this sender should have signed, but the signature did not verify")
	}
	for _, w := range mv.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}
