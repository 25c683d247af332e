// torrentctl runs download, delete and size operations against a seeding root.
package main

import (
	"github.com/joho/godotenv"

	"seedkeeper/internal/cli"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()
	cli.Execute()
}
