package main

import (
	"os"

	"caloo.ch/caloo/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
