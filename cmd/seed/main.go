// seed inserts a development player for local testing and, when JWT_PRIVATE_KEY is set, prints a
// session token for it. Idempotent: re-running refreshes the same user.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"connect-gate/internal/config"
	"connect-gate/internal/db"
	"connect-gate/internal/security"
	userdomain "connect-gate/internal/user/domain"
	userrepo "connect-gate/internal/user/repository"
)

const (
	devUserID   = "100000000000000001"
	devUsername = "devplayer"
	devLicense  = "license:0123456789abcdef0123456789abcdef01234567"
	devTokenTTL = 24 * time.Hour
)

func main() {
	cfg, err := config.LoadTooling()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	if err := users.Upsert(ctx, &userdomain.User{ID: devUserID, Username: devUsername}); err != nil {
		log.Fatalf("upsert dev user: %v", err)
	}
	license, _ := userdomain.NormalizeIdentifier(devLicense)
	u, err := users.UpdateIdentifiers(ctx, devUserID, userdomain.NormalizeIdentifiers(&license, nil, nil))
	if err != nil {
		log.Fatalf("bind dev identifiers: %v", err)
	}
	log.Printf("seeded user %s (%s) license=%s", u.ID, u.Username, *u.Identifiers.License)

	if cfg.JWTPrivateKey == "" {
		log.Println("JWT_PRIVATE_KEY not set; skipping dev session token")
		return
	}
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("private key: %v", err)
	}
	tokens := security.NewTokenProvider(signer, signer.Public(), cfg.JWTIssuer, cfg.JWTAudience, devTokenTTL)
	token, expiresAt, err := tokens.Issue(devUserID, devUsername)
	if err != nil {
		log.Fatalf("issue session token: %v", err)
	}
	log.Printf("dev session token (expires %s):", expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
