package main

import (
	"context"
	"os"

	"github.com/goliatone/go-erpsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}
