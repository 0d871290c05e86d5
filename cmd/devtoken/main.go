package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/platform/envutil"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/services"
)

// devtoken prints a bearer token for local requests against the API.
func main() {
	var (
		user string
		ttl  time.Duration
	)
	flag.StringVar(&user, "user", "", "user id to embed (random when empty)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	userID := uuid.New()
	if user != "" {
		parsed, err := uuid.Parse(user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -user: %v\n", err)
			os.Exit(2)
		}
		userID = parsed
	}

	auth := services.NewAuthService(logger.Nop(), envutil.String("JWT_SECRET_KEY", "defaultsecret"))
	tok, err := auth.IssueToken(userID, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "user_id=%s expires_in=%s\n", userID, ttl)
	fmt.Println(tok)
}
