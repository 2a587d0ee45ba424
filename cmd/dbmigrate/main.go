// Command dbmigrate applies or rolls back the embedded schema migrations
// outside the bot process.
//
//	dbmigrate up        # apply pending migrations (the bot also does this on start)
//	dbmigrate down      # roll back the most recent migration
//	dbmigrate version   # print the current version and dirty flag
//
// DB_DSN selects the database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/milkyway-bot/db"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dbmigrate up|down|version")
		os.Exit(2)
	}
	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "up":
		err = db.Migrate(ctx, database)
	case "down":
		err = db.MigrateDown(database)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = db.MigrationVersion(database)
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		slog.Error("dbmigrate failed", slog.String("command", os.Args[1]), slog.Any("err", err))
		os.Exit(1)
	}
}
