package main

import (
	"os"

	"github.com/hmtxj/gemini-cookie-refresh/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
