// Command mint-token prints a bearer token for a user, for local development
// and for configuring an agent's API_TOKEN.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"classroom-kanban-go/internal/config"
	"classroom-kanban-go/internal/handlers"
)

func main() {
	config.LoadDotenv()

	userID := flag.Int64("user", 0, "user id the token authenticates")
	ttl := flag.Duration("ttl", handlers.DefaultTokenTTL, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "mint-token: -user is required")
		flag.Usage()
		os.Exit(2)
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "mint-token: no secret, set JWT_SECRET or pass -secret")
		os.Exit(2)
	}

	tok, err := handlers.NewTokens(*secret).Issue(*userID, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint-token:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
}
