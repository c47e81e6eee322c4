// Command token issues a session token for local testing of the WebSocket
// endpoint. It can also register the user in the store so the token verifies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/store"
)

func main() {
	_ = godotenv.Load()

	userID := flag.String("user", "", "user id to issue the token for (required)")
	name := flag.String("name", "", "display name; when set the user is written to the badger store")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (default $JWT_SECRET)")
	badgerPath := flag.String("badger", envOr("BADGER_PATH", "data/badger"), "badger directory used with -name")
	flag.Parse()

	if *userID == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *name != "" {
		if err := registerUser(*badgerPath, store.User{ID: *userID, Name: *name}); err != nil {
			fmt.Fprintf(os.Stderr, "register user: %v\n", err)
			os.Exit(1)
		}
	}

	token, err := auth.GenerateToken(*userID, []byte(*secret), *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func registerUser(path string, user store.User) error {
	st, err := store.OpenBadger(path, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	return st.PutUser(context.Background(), user)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
