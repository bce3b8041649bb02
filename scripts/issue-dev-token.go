package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bwb/device-claim-server/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: JWT_SECRET=... go run scripts/issue-dev-token.go <subject> [org]\n")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: JWT_SECRET is not set\n")
		os.Exit(1)
	}

	claims := identity.Claims{
		PreferredUsername: os.Args[1],
		Domain:            "dev",
		RegisteredClaims:  jwt.RegisteredClaims{Subject: os.Args[1]},
	}
	if len(os.Args) > 2 {
		claims.OrganizationID = os.Args[2]
	}

	token, err := identity.NewResolver(secret, os.Getenv("JWT_ISSUER"), nil, nil).Sign(claims, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
