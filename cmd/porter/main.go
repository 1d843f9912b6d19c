package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"vecino.app/internal/device"
	"vecino.app/internal/obs"
	"vecino.app/internal/verify"
)

const usage = `usage:
  porter enroll -api URL -token RAW [-out device.json]
  porter sync   -bearer JWT [-profile device.json]
  porter verify -qr SIGNED [-profile device.json]`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	var err error
	switch os.Args[1] {
	case "enroll":
		err = runEnroll(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		log.Fatal(usage)
	}
	if err != nil {
		log.Fatalf("porter %s: %v", os.Args[1], err)
	}
}

func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	api := fs.String("api", os.Getenv("VECINO_API_URL"), "access API base URL")
	token := fs.String("token", "", "raw enrollment token from the enrollment link")
	out := fs.String("out", "device.json", "where to store the device profile")
	_ = fs.Parse(args)

	client, err := device.NewClient(*api)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	p, err := client.Enroll(ctx, *token)
	if err != nil {
		return err
	}
	if err := device.Save(*out, p); err != nil {
		return err
	}
	fmt.Printf("enrolled %s for organization %s (kid %s), profile saved to %s\n", p.UserID, p.OrganizationID, p.Kid, *out)
	return nil
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	path := fs.String("profile", "device.json", "device profile")
	bearer := fs.String("bearer", os.Getenv("VECINO_PORTER_TOKEN"), "porter API token")
	_ = fs.Parse(args)

	p, err := device.Load(*path)
	if err != nil {
		return err
	}
	client, err := device.NewClient(p.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	token := strings.TrimSpace(*bearer)
	newKeys, err := client.SyncKeys(ctx, token, &p)
	if err != nil {
		return err
	}
	added, err := client.SyncRevocations(ctx, token, &p)
	if err != nil {
		return err
	}
	if err := device.Save(*path, p); err != nil {
		return err
	}
	fmt.Printf("synced %d new keys and %d new revocations (%d known)\n", newKeys, added, len(p.Revoked))
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	path := fs.String("profile", "device.json", "device profile")
	qr := fs.String("qr", "", "signed credential read from the visitor QR")
	_ = fs.Parse(args)

	p, err := device.Load(*path)
	if err != nil {
		return err
	}
	v, err := p.Verifier(verify.WithLogger(obs.NewLogger(os.Stderr, "warn", "text")))
	if err != nil {
		return err
	}
	res := v.Verify(context.Background(), strings.TrimSpace(*qr), time.Now(), p.ClockSkew())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Outcome != verify.OutcomeValid {
		os.Exit(2)
	}
	return nil
}
