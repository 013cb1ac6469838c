package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hydraquiz/battle/go/internal/battle/store"
	"github.com/hydraquiz/battle/go/internal/battle/store/migrations"
	"github.com/hydraquiz/battle/go/internal/dbconfig"
	"github.com/hydraquiz/battle/go/internal/models"
)

// QuestionSet mirrors the JSON asset layout.
type QuestionSet struct {
	Name           string            `json:"name"`
	MaxHydraHealth int               `json:"max_hydra_health"`
	Questions      []models.Question `json:"questions"`
}

func main() {
	path := flag.String("file", "go/internal/assets/questions.json", "question sets to load")
	rooms := flag.Int("rooms", 1, "rooms to open per question set")
	flag.Parse()

	// 1) Load the JSON asset
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var sets []QuestionSet
	if err := json.Unmarshal(data, &sets); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig and make sure the schema exists
	ctx := context.Background()
	cfg := dbconfig.NewConfigFromEnv()
	if err := migrations.Up(ctx, cfg.DSN()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	joinCodes, err := store.NewJoinCodeGenerator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "join codes: %v\n", err)
		os.Exit(1)
	}
	s := store.NewPostgresStore(pool, joinCodes)

	// 3) Insert sets and open rooms
	var created, errs int
	for _, set := range sets {
		setID, err := s.CreateQuestionSet(ctx, set.Name, set.Questions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting set %q: %v\n", set.Name, err)
			errs++
			continue
		}
		for i := 0; i < *rooms; i++ {
			room, err := s.CreateRoom(ctx, store.CreateRoomRequest{
				QuestionSetID:  setID,
				MaxHydraHealth: set.MaxHydraHealth,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error opening room for %q: %v\n", set.Name, err)
				errs++
				continue
			}
			created++
			fmt.Printf("%s  room=%s  join=%s\n", set.Name, room.ID, room.JoinCode)
		}
	}

	// 4) Print summary
	fmt.Printf("Question seed complete: %d sets, %d rooms, %d errors\n", len(sets), created, errs)
}
