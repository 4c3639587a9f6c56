package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/service"
)

// issue-token signs a bearer token the way the identity service would.
// Meant for local testing against a running engine.
func main() {
	var (
		kind       string
		userID     int
		department string
	)
	flag.StringVar(&kind, "type", string(service.TokenTypeStudent), "Token type: student or admin")
	flag.IntVar(&userID, "id", 0, "Student or admin ID")
	flag.StringVar(&department, "department", "", "Student department (leaderboard cohort)")
	flag.Parse()

	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -id must be a positive number")
		os.Exit(2)
	}

	cfg := config.Load()
	token, err := service.NewAuthService(cfg).GenerateToken(service.TokenType(kind), userID, department)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
