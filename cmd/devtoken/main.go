// Command devtoken prints a new signing secret or an access token for local runs and manual testing.
//
//	devtoken --secret
//	devtoken --secret-key $SECRET_KEY --user 0195f3b2-... --ttl 1h
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/evpay/internal/service/auth/tokenmanager"
)

const SecretKeyBytesLen = 32

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	fs := pflag.NewFlagSet("devtoken", pflag.ContinueOnError)

	newSecret := fs.Bool("secret", false, "Print new random secret key and exit")
	secretKey := fs.StringP("secret-key", "s", getenv("SECRET_KEY"), "Secret key to sign the token, SECRET_KEY by default")
	user := fs.StringP("user", "u", "", "User id, random if empty")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *newSecret {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, secret)
		return err
	}

	if *secretKey == "" {
		return errors.New("secret key is required: pass --secret-key or set SECRET_KEY")
	}

	userID := uuid.New()
	if *user != "" {
		var err error
		userID, err = uuid.Parse(*user)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
	}

	tokens, err := tokenmanager.New(tokenmanager.Config{SecretKey: *secretKey, AccessTTL: *ttl})
	if err != nil {
		return err
	}
	issued, err := tokens.Issue(userID)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "user_id=%s\nexpires_at=%s\ntoken=%s\n", userID, issued.ExpiresAt.Format(time.RFC3339), issued.Value)
	return err
}

func generateSecret() (string, error) {
	b := make([]byte, SecretKeyBytesLen)

	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("error while generating secret key: %w", err)
	}

	return hex.EncodeToString(b), nil
}
