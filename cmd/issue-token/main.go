package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token mints a JWT for local testing and for proctor dashboards.
//
//	issue-token -type admin -user 1 -perm proctor:monitor
//	issue-token -type candidate            (prompts for the user id)
func main() {
	var (
		userID       int
		tokenType    string
		ttl          time.Duration
		perms        string
		promptSecret bool
	)
	flag.IntVar(&userID, "user", 0, "User ID placed in the token")
	flag.StringVar(&tokenType, "type", string(service.TokenTypeCandidate), "Token type: candidate or admin")
	flag.DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	flag.StringVar(&perms, "perm", "", "Comma-separated permissions (admin tokens)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	typ := service.TokenType(strings.ToLower(tokenType))
	if typ != service.TokenTypeCandidate && typ != service.TokenTypeAdmin {
		log.Fatal().Str("type", tokenType).Msg("Token type must be candidate or admin")
	}

	interactive := term.IsTerminal(int(syscall.Stdin))

	// ─── CLI Input ─────────────────────────────────────────────────────
	if userID <= 0 {
		if !interactive {
			log.Fatal().Msg("-user is required when stdin is not a terminal")
		}
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Enter User ID: ")
		raw, _ := reader.ReadString('\n')
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || id <= 0 {
			fmt.Println("Error: User ID must be a positive number")
			os.Exit(1)
		}
		userID = id
	}

	if promptSecret {
		if !interactive {
			log.Fatal().Msg("-prompt-secret needs a terminal")
		}
		fmt.Print("Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil || len(secret) == 0 {
			fmt.Println("Error reading secret")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}

	var permissions []string
	for _, p := range strings.Split(perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}
	if typ == service.TokenTypeCandidate && len(permissions) > 0 {
		log.Warn().Msg("Candidate tokens ignore permissions")
		permissions = nil
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(cfg).IssueToken(userID, typ, ttl, permissions...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	// Plain output when piped so the token can be captured by scripts.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(token)
		return
	}
	fmt.Printf("\n%s token for user %d (expires in %s):\n\n%s\n", typ, userID, ttl, token)
}
