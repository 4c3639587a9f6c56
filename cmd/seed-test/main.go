package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
	"golang.org/x/term"
)

// seedFile is the JSON layout accepted by -file.
type seedFile struct {
	Test     model.TestDefinition `json:"test"`
	Students []model.Student      `json:"students"`
}

func main() {
	var path, code string
	flag.StringVar(&path, "file", "seed.json", "JSON file with a test definition and its students")
	flag.StringVar(&code, "code", "", "Access code for the test (prompted when empty)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse seed file")
	}
	if len(seed.Test.Sections) == 0 {
		log.Fatal().Msg("Seed test has no sections")
	}

	// ─── Access Code ───────────────────────────────────────────────────
	if code == "" {
		fmt.Print("Enter Access Code: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading access code")
			return
		}
		code = string(b)
	}
	if code == "" {
		fmt.Println("Error: Access code is required")
		return
	}

	hash, err := service.NewAuthService(cfg).HashAccessCode(code)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash access code")
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	def := seed.Test
	def.AccessCodeHash = hash
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	for i := range def.Sections {
		def.Sections[i].Index = i
		for j := range def.Sections[i].Questions {
			if def.Sections[i].Questions[j].ID == uuid.Nil {
				def.Sections[i].Questions[j].ID = uuid.New()
			}
		}
	}

	if err := repository.NewTestRepository(pool).CreateTest(ctx, &def); err != nil {
		log.Fatal().Err(err).Msg("Failed to create test")
	}
	fmt.Printf("Created test '%s' with ID: %s (%d sections)\n", def.Title, def.ID, len(def.Sections))

	students := repository.NewStudentRepository(pool)
	successCount := 0
	for _, s := range seed.Students {
		if err := students.Upsert(ctx, &s); err != nil {
			fmt.Printf("Error saving student %s (ID: %d): %v\n", s.Name, s.ID, err)
			continue
		}
		successCount++
	}

	fmt.Printf("\nSeed completed! Saved %d/%d students.\n", successCount, len(seed.Students))
}
