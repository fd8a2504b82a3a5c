// Command devtoken prints a signed handshake token for local testing.
//
//	go run ./cmd/devtoken -user 42 -name alice
//
// The secret is read from JWT_SECRET (or .env) and defaults to the
// development secret the server also falls back to.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
)

func main() {
	user := flag.String("user", "", "user id placed in the token subject")
	name := flag.String("name", "", "display name, defaults to the user id")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = auth.DevSecret
	}

	verifier, err := auth.NewVerifier(secret, os.Getenv("JWT_ISSUER"))
	if err != nil {
		log.Fatal(err)
	}
	token, err := verifier.Issue(auth.Identity{UserID: *user, Username: *name}, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
